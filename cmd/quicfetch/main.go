// Command quicfetch is a minimal CLI over the client engine: fetch a
// URL over HTTP/2 or HTTP/3 and print the body, or stream JSON elements
// selected by a JSONPath expression.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bc-dunia/quicfetch"
	"github.com/bc-dunia/quicfetch/internal/cache"
	"github.com/bc-dunia/quicfetch/internal/tlsconn"
)

type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(value string) error {
	if !strings.Contains(value, ":") {
		return fmt.Errorf("header %q must be name:value", value)
	}
	*h = append(*h, value)
	return nil
}

func main() {
	var (
		method   = flag.String("X", "GET", "request method")
		body     = flag.String("d", "", "request body (sent as application/json)")
		path     = flag.String("jsonpath", "", "stream elements matching this JSONPath instead of printing the body")
		http3    = flag.Bool("http3", true, "allow HTTP/3 negotiation")
		noCache  = flag.Bool("no-cache", false, "disable the response cache")
		timeout  = flag.Duration("timeout", 30*time.Second, "per-request timeout")
		verbose  = flag.Bool("v", false, "debug logging")
		insecure = flag.Bool("k", false, "skip TLS verification (testing only)")
	)
	var headers headerFlags
	flag.Var(&headers, "H", "request header name:value (repeatable)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: quicfetch [flags] URL")
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	opts := []quicfetch.ClientOption{
		quicfetch.WithHTTP3(*http3),
		quicfetch.WithTimeout(*timeout),
		quicfetch.WithLogger(logger),
	}
	if *noCache {
		opts = append(opts, quicfetch.WithCache(cache.NoCacheConfig()))
	}
	if *insecure {
		opts = append(opts, quicfetch.WithTLS(insecureTLS()))
	}

	client := quicfetch.New(opts...)
	defer client.Close()

	req, err := quicfetch.NewRequest(*method, flag.Arg(0))
	if err != nil {
		fatal(err)
	}
	for _, h := range headers {
		name, value, _ := strings.Cut(h, ":")
		req = req.WithHeader(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if *body != "" {
		req, err = req.WithBody(quicfetch.BytesBody{
			Data:        []byte(*body),
			ContentType: "application/json",
		})
		if err != nil {
			fatal(err)
		}
	}

	ctx := context.Background()
	resp, err := client.Do(ctx, req)
	if err != nil {
		fatal(err)
	}
	logger.Debug("response", "status", resp.Status(), "from_cache", resp.FromCache())

	if *path == "" {
		text, err := resp.Text()
		if err != nil {
			fatal(err)
		}
		fmt.Println(text)
		return
	}

	stream, err := quicfetch.StreamObjects[interface{}](resp, *path)
	if err != nil {
		fatal(err)
	}
	count := 0
	for {
		element, err := stream.Next()
		if errors.Is(err, quicfetch.Done) {
			break
		}
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%v\n", element)
		count++
	}
	logger.Debug("stream_complete", "elements", count)
}

func insecureTLS() tlsconn.Config {
	return tlsconn.Config{InsecureSkipVerify: true}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "quicfetch:", err)
	os.Exit(1)
}
