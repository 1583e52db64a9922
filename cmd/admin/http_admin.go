package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// adminRequest maps a subcommand onto the server's /admin/v1 surface.
func adminRequest(name, baseURL string, params url.Values) (*http.Request, error) {
	var method, path string
	switch name {
	case "state", "config", "logs":
		method, path = http.MethodGet, name
	case "start", "stop", "restart":
		method, path = http.MethodPost, name
	case "save":
		method, path = http.MethodPost, "snapshot"
	case "load":
		method, path = http.MethodPost, "snapshot/load"
	default:
		return nil, fmt.Errorf("unknown admin command: %s", name)
	}
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/admin/v1/" + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return http.NewRequest(method, u, nil)
}

// doAdmin copies the response body to out and fails on a non-2xx status.
func doAdmin(cl *http.Client, req *http.Request, out io.Writer) error {
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(out, strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	return nil
}

func httpCmd(name string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "admin base url")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	lines := fs.Int("n", 0, "logs: number of lines (0 = all kept)")
	path := fs.String("path", "", "load: snapshot path or file name")
	tick := fs.Int64("tick", 0, "load: snapshot tick")
	_ = fs.Parse(args)

	params := url.Values{}
	switch name {
	case "logs":
		if *lines > 0 {
			params.Set("n", strconv.Itoa(*lines))
		}
	case "load":
		switch {
		case strings.TrimSpace(*path) != "":
			params.Set("path", strings.TrimSpace(*path))
		case *tick > 0:
			params.Set("tick", strconv.FormatInt(*tick, 10))
		}
	}

	req, err := adminRequest(name, *baseURL, params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := doAdmin(&http.Client{Timeout: *timeout}, req, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
