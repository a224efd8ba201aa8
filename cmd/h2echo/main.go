// Command h2echo demonstrates the stream transport end to end: a client and
// a server transport are wired over an in-process pipe, the client sends a
// POST with a body and trailers, and the server echoes the body back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/errgroup"

	"github.com/mbrukman/linkerd/internal/config"
	h2 "github.com/mbrukman/linkerd/internal/http2"
	"github.com/mbrukman/linkerd/internal/logger"
	"github.com/mbrukman/linkerd/internal/stats"
)

var configFilePath string

func main() {
	flag.StringVar(&configFilePath, "config", "", "Path to the TOML configuration file (optional)")
	flag.Parse()

	cfg := config.Default()
	if configFilePath != "" {
		var err error
		cfg, err = config.LoadConfig(configFilePath)
		if err != nil {
			log.Fatalf("Failed to load configuration from %s: %v", configFilePath, err)
		}
	}

	appLog, closer, err := logger.NewForTarget(cfg.Logging.Target, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	var reg stats.Registry = stats.NewNop()
	if *cfg.Metrics.Enabled {
		reg = stats.NewPrometheus(cfg.Metrics.Namespace, prometheus.NewRegistry())
	}

	appLog.Info().
		Str("metrics_namespace", cfg.Metrics.Namespace).
		Uint32("initial_window_size", *cfg.Stream.InitialWindowSize).
		Msg("h2echo starting")

	if err := run(appLog, reg); err != nil {
		appLog.Error().Err(err).Msg("h2echo failed")
		os.Exit(1)
	}
}

func run(appLog zerolog.Logger, reg stats.Registry) error {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	const streamID = 1
	client := h2.NewStreamTransport(streamID, h2.NewFramerWriter(clientConn), reg, h2.RoleClient, appLog)
	server := h2.NewStreamTransport(streamID, h2.NewFramerWriter(serverConn), reg, h2.RoleServer, appLog)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return readLoop(ctx, clientConn, client) })
	g.Go(func() error { return readLoop(ctx, serverConn, server) })
	g.Go(func() error { return serve(ctx, server) })
	g.Go(func() error {
		defer clientConn.Close()
		defer serverConn.Close()
		return request(ctx, client, appLog)
	})

	if err := g.Wait(); err != nil && !isClosedPipe(err) {
		return err
	}
	return nil
}

// readLoop reads frames off the connection and dispatches the stream-level
// ones to the transport, the way a connection demultiplexer would.
func readLoop(ctx context.Context, conn net.Conn, t *h2.StreamTransport) error {
	fr := http2.NewFramer(io.Discard, conn)
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := fr.ReadFrame()
		if err != nil {
			if isClosedPipe(err) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			t.Recv(&h2.HeadersFrame{Headers: f.Fields, EndStream: f.StreamEnded()})
		case *http2.DataFrame:
			data := make([]byte, len(f.Data()))
			copy(data, f.Data())
			t.Recv(&h2.DataFrame{Data: data, EndStream: f.StreamEnded()})
		case *http2.RSTStreamFrame:
			t.Recv(&h2.ResetFrame{Code: h2.ErrorCode(f.ErrCode)})
		default:
			// WINDOW_UPDATE and other connection-level frames are not the
			// stream transport's concern.
		}
	}
}

// serve receives one request and echoes its body back with the same
// trailers.
func serve(ctx context.Context, t *h2.StreamTransport) error {
	req, err := t.ReceiveMessage(ctx)
	if err != nil {
		return fmt.Errorf("server receive: %w", err)
	}

	var frames []h2.Frame
	for {
		f, err := req.Body.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("server body read: %w", err)
		}
		if d, ok := f.(*h2.DataFrame); ok {
			d.Release()
		}
		frames = append(frames, f)
	}

	done, err := t.Send(ctx, h2.NewResponse("200", h2.NewBufferedBody(frames...)))
	if err != nil {
		return fmt.Errorf("server send: %w", err)
	}
	return done.Wait(ctx)
}

// request sends a POST with two body chunks and a trailer, then prints the
// echoed response.
func request(ctx context.Context, t *h2.StreamTransport, appLog zerolog.Logger) error {
	body := h2.NewBufferedBody(
		&h2.DataFrame{Data: []byte("hello")},
		&h2.DataFrame{Data: []byte("world")},
		&h2.TrailersFrame{Headers: []hpack.HeaderField{{Name: "x-trailing", Value: "1"}}},
	)
	done, err := t.Send(ctx, h2.NewRequest("POST", "/echo", "http", "h2echo.local", body))
	if err != nil {
		return fmt.Errorf("client send: %w", err)
	}

	rsp, err := t.ReceiveMessage(ctx)
	if err != nil {
		return fmt.Errorf("client receive: %w", err)
	}
	for _, hf := range rsp.Headers {
		appLog.Info().Str("name", hf.Name).Str("value", hf.Value).Msg("response header")
	}
	for {
		f, err := rsp.Body.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("client body read: %w", err)
		}
		switch f := f.(type) {
		case *h2.DataFrame:
			fmt.Printf("%s", f.Data)
			f.Release()
		case *h2.TrailersFrame:
			for _, hf := range f.Headers {
				appLog.Info().Str("name", hf.Name).Str("value", hf.Value).Msg("response trailer")
			}
		}
	}
	fmt.Println()

	if err := done.Wait(ctx); err != nil {
		return fmt.Errorf("client body write: %w", err)
	}
	<-t.Done()
	return t.Err()
}

func isClosedPipe(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
