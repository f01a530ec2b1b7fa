package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

var errUsage = errors.New("usage")

type apiRequest struct {
	Method string
	Path   string
	Body   any
}

var fieldCmds = map[string]string{
	"synctime":    "sync-time",
	"timezero":    "time-zero",
	"timeoffset":  "time-offset",
	"timespeed":   "time-speed",
	"syncweather": "sync-weather",
	"weathercity": "weather-city",
}

// profileArg returns the optional trailing profile name.
func profileArg(args []string, i int) string {
	if len(args) > i && strings.TrimSpace(args[i]) != "" {
		return args[i]
	}
	return "default"
}

// buildRequest maps a command line onto one admin API call.
func buildRequest(cmd string, args []string) (apiRequest, error) {
	esc := url.PathEscape
	if field, ok := fieldCmds[cmd]; ok {
		if len(args) < 1 {
			return apiRequest{}, fmt.Errorf("%w: %s <value> [profile]", errUsage, cmd)
		}
		return apiRequest{
			Method: http.MethodPut,
			Path:   "/admin/v1/profiles/" + esc(profileArg(args, 1)) + "/" + field,
			Body:   map[string]string{"value": args[0]},
		}, nil
	}
	switch cmd {
	case "state":
		return apiRequest{Method: http.MethodGet, Path: "/admin/v1/state"}, nil
	case "syncworld":
		if len(args) < 1 {
			return apiRequest{}, fmt.Errorf("%w: syncworld <world> [profile]", errUsage)
		}
		return apiRequest{
			Method: http.MethodPut,
			Path:   "/admin/v1/worlds/" + esc(args[0]),
			Body:   map[string]string{"profile": profileArg(args, 1)},
		}, nil
	case "forgetworld":
		if len(args) < 1 {
			return apiRequest{}, fmt.Errorf("%w: forgetworld <world>", errUsage)
		}
		return apiRequest{Method: http.MethodDelete, Path: "/admin/v1/worlds/" + esc(args[0])}, nil
	case "copy":
		if len(args) < 2 {
			return apiRequest{}, fmt.Errorf("%w: copy <from> <to>", errUsage)
		}
		return apiRequest{
			Method: http.MethodPost,
			Path:   "/admin/v1/profiles/" + esc(args[0]) + "/copy",
			Body:   map[string]string{"to": args[1]},
		}, nil
	case "clear":
		if len(args) < 1 {
			return apiRequest{}, fmt.Errorf("%w: clear <profile>", errUsage)
		}
		return apiRequest{Method: http.MethodDelete, Path: "/admin/v1/profiles/" + esc(args[0])}, nil
	case "sync":
		return apiRequest{Method: http.MethodPost, Path: "/admin/v1/sync"}, nil
	case "fetch":
		return apiRequest{Method: http.MethodPost, Path: "/admin/v1/weather/fetch"}, nil
	case "reload":
		return apiRequest{Method: http.MethodPost, Path: "/admin/v1/reload"}, nil
	case "debug":
		return apiRequest{Method: http.MethodPost, Path: "/admin/v1/debug"}, nil
	case "history":
		if len(args) < 1 {
			return apiRequest{}, fmt.Errorf("%w: history <city>", errUsage)
		}
		return apiRequest{Method: http.MethodGet, Path: "/admin/v1/weather/history?city=" + url.QueryEscape(args[0])}, nil
	case "changes":
		p := "/admin/v1/changes"
		if len(args) > 0 {
			p += "?profile=" + url.QueryEscape(args[0])
		}
		return apiRequest{Method: http.MethodGet, Path: p}, nil
	}
	return apiRequest{}, fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

// do sends r and returns the raw response body.
func do(cl *http.Client, baseURL string, r apiRequest) (int, []byte, error) {
	var body io.Reader
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(r.Method, strings.TrimRight(strings.TrimSpace(baseURL), "/")+r.Path, body)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := cl.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}

func serverCmd(cmd string, args []string) int {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	_ = fs.Parse(args)

	r, err := buildRequest(cmd, fs.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			usage()
		}
		return 2
	}
	status, b, err := do(&http.Client{Timeout: *timeout}, *baseURL, r)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		return 1
	}
	fmt.Println(strings.TrimSpace(string(b)))
	if status/100 != 2 {
		return 1
	}
	return 0
}
