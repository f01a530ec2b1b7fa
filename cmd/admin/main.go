package main

import (
	"fmt"
	"os"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: admin <command> [flags] [args]

server commands (-url, default http://127.0.0.1:8080):
  state
  syncworld <world> [profile]     forgetworld <world>
  synctime <true|false> [profile] timezero <yyyy-mm-ddThh:mm:ss> [profile]
  timeoffset <ticks> [profile]    timespeed <multiplier> [profile]
  syncweather <true|false> [profile]
  weathercity <city> [profile]
  copy <from> <to>                clear <profile>
  sync | fetch | reload | debug
  history <city>                  changes [profile]

offline commands (-data, default ./data):
  db fetches|changes|stats
  logs audit|weather`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "db":
		dbCmd(args)
	case "logs":
		logsCmd(args)
	case "help", "-h", "--help":
		usage()
	default:
		os.Exit(serverCmd(cmd, args))
	}
}
