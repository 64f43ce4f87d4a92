package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:9440", "stackpilot agent base URL")
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	switch flag.Arg(0) {
	case "health":
		doGET(*addr + "/healthz")
	case "state":
		doGET(*addr + "/v1/state")
	case "services":
		doGET(*addr + "/v1/services")
	case "restart":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "missing service name")
			os.Exit(2)
		}
		doPOST(*addr + "/v1/services/" + strings.Trim(flag.Arg(1), "/") + "/restart")
	case "backups":
		doGET(*addr + "/v1/backups")
	case "backup":
		doPOST(*addr + "/v1/backups")
	case "cert-renew":
		path := "/v1/certificates/renew"
		if flag.NArg() > 1 {
			path += "?domain=" + url.QueryEscape(flag.Arg(1))
		}
		doPOST(*addr + path)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("stackpilotctl [--addr URL] <command> [args]")
	fmt.Println("commands:")
	fmt.Println("  health              Agent liveness and version")
	fmt.Println("  state               Show the provisioning record")
	fmt.Println("  services            List services with health")
	fmt.Println("  restart <name>      Restart one service")
	fmt.Println("  backups             List backups")
	fmt.Println("  backup              Take a backup now")
	fmt.Println("  cert-renew [domain] Run the certificate renewal check")
}

func doGET(url string) {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		io.Copy(os.Stderr, resp.Body)
		os.Exit(1)
	}
	printJSON(resp.Body)
}

func doPOST(url string) {
	req, _ := http.NewRequest("POST", url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		io.Copy(os.Stderr, resp.Body)
		os.Exit(1)
	}
	printJSON(resp.Body)
}

func printJSON(r io.Reader) {
	var v any
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fmt.Println("OK")
		return
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	os.Stdout.Write(b)
	fmt.Println()
}
