package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/mcuadros/go-syslog.v2"
	"gopkg.in/mcuadros/go-syslog.v2/format"
)

// The daemon process logs drop events using Go's log/syslog package. That
// package, when using unix domain sockets, expects one of "/dev/log",
// "/var/run/syslog", or "/var/run/log" so we bind a matching path.
var listenAddress string = "/var/run/syslog"

func main() {
	var tag string
	flag.StringVar(&listenAddress, "listen-address", listenAddress, "Path of the unixgram socket to receive events on.")
	flag.StringVar(&tag, "tag", "ingress-node-acl", "Only print messages with this tag. Empty prints everything.")
	flag.Parse()

	channel := make(syslog.LogPartsChannel)
	handler := syslog.NewChannelHandler(channel)

	server := syslog.NewServer()
	server.SetFormat(syslog.RFC3164)
	server.SetHandler(handler)

	if err := server.ListenUnixgram(listenAddress); err != nil {
		log.Fatal(err)
	}

	if err := server.Boot(); err != nil {
		log.Fatal(err)
	}

	go printEvents(os.Stdout, channel, tag)

	server.Wait()
}

func printEvents(w io.Writer, channel syslog.LogPartsChannel, tag string) {
	for logParts := range channel {
		if tag != "" && logParts["tag"] != tag {
			continue
		}
		fmt.Fprintln(w, formatEvent(logParts))
	}
}

func formatEvent(logParts format.LogParts) string {
	return fmt.Sprintf("%s %s %s", logParts["timestamp"], logParts["hostname"], logParts["content"])
}
