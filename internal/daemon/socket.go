package daemon

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
)

// SocketListener accepts local clients over a unix domain socket.
//
// Wire protocol, one request per line:
//
//	inbound:  session|source|text\n
//	outbound: session|base64(reply)\n
//
// The reply is base64-encoded so multi-line assistant output survives
// the line-oriented framing.
type SocketListener struct {
	path   string
	logger *slog.Logger
}

// NewSocketListener creates a listener for the socket at path.
func NewSocketListener(path string, logger *slog.Logger) *SocketListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketListener{
		path:   path,
		logger: logger.With("component", "socket"),
	}
}

// Name implements Listener.
func (s *SocketListener) Name() string { return "socket" }

// Run accepts connections until ctx is cancelled. The socket file is
// removed on shutdown; a stale file from a crashed process is removed
// on startup.
func (s *SocketListener) Run(ctx context.Context, submit func(Message)) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
		os.Remove(s.path)
	}()

	s.logger.Info("socket listening", "path", s.path)

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn, submit)
		}()
	}
}

func (s *SocketListener) handleConn(ctx context.Context, conn net.Conn, submit func(Message)) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var writeMu sync.Mutex
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		sessionID, source, text, err := parseInboundLine(line)
		if err != nil {
			s.logger.Warn("malformed request line", "error", err)
			writeMu.Lock()
			fmt.Fprintf(conn, "error|%s\n", base64.StdEncoding.EncodeToString([]byte(err.Error())))
			writeMu.Unlock()
			continue
		}

		done := make(chan struct{})
		submit(Message{
			SessionID: sessionID,
			Text:      text,
			Source:    source,
			Reply: func(reply string) {
				defer close(done)
				writeMu.Lock()
				defer writeMu.Unlock()
				fmt.Fprintf(conn, "%s|%s\n",
					sessionID, base64.StdEncoding.EncodeToString([]byte(reply)))
			},
		})

		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}

// parseInboundLine splits session|source|text. The text field may
// itself contain the separator; only the first two splits are framing.
func parseInboundLine(line string) (sessionID, source, text string, err error) {
	parts := strings.SplitN(line, "|", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("expected session|source|text")
	}
	sessionID = strings.TrimSpace(parts[0])
	source = strings.TrimSpace(parts[1])
	text = parts[2]
	if sessionID == "" || text == "" {
		return "", "", "", fmt.Errorf("session and text must be non-empty")
	}
	if source == "" {
		source = "local"
	}
	return sessionID, source, text, nil
}
