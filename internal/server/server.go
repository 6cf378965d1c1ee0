// Package server hosts the UDP and TCP listeners that feed wire-format DNS
// messages into a divergence engine and write its responses back, grounded
// on the original udpd/tcpd loops this project was distilled from.
package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/divergedns/diverge/internal/diverge"
	"golang.org/x/sync/errgroup"
)

// maxUDPMessageSize is generous headroom over a minimum-MTU EDNS0 payload;
// oversized requests are simply truncated by recvfrom semantics and then
// fail to decode.
const maxUDPMessageSize = 0x600

// tcpReadBufferSize is the initial per-connection read buffer; it grows to
// fit any larger message actually announced by its length prefix.
const tcpReadBufferSize = 0x1000

// tcpDeadlineTimeout bounds how long a connection may sit idle waiting for
// the next query, per RFC 1035 §4.2.2's suggested 120s.
const tcpDeadlineTimeout = 120 * time.Second

// tcpReadTimeout bounds how long reading one query's payload may take once
// its length prefix has arrived.
const tcpReadTimeout = 7 * time.Second

// Server owns the listening sockets and routes decoded queries to an
// Engine.
type Server struct {
	engine *diverge.Engine
	listen netip.AddrPort
}

// New returns a Server that will listen on listen and route queries through
// engine.
func New(engine *diverge.Engine, listen netip.AddrPort) *Server {
	return &Server{engine: engine, listen: listen}
}

// Run starts the UDP and TCP listeners and blocks until ctx is canceled or
// either listener fails irrecoverably, in which case it returns that error
// after stopping the other.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.serveUDP(ctx) })
	g.Go(func() error { return s.serveTCP(ctx) })

	return g.Wait()
}

func (s *Server) serveUDP(ctx context.Context) error {
	addr := net.UDPAddrFromAddrPort(s.listen)
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listening on udp %s: %w", s.listen, err)
	}
	defer func() { _ = conn.Close() }()

	log.Info("server: listening on udp %s", conn.LocalAddr())

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, maxUDPMessageSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}

		req := make([]byte, n)
		copy(req, buf[:n])

		go s.handleUDP(ctx, conn, from, req)
	}
}

func (s *Server) handleUDP(ctx context.Context, conn *net.UDPConn, from *net.UDPAddr, req []byte) {
	resp, ok := s.engine.Query(ctx, req)
	if !ok {
		log.Debug("server: udp query from %s produced no response", from)
		return
	}

	if _, err := conn.WriteToUDP(resp, from); err != nil {
		log.Error("server: udp write to %s: %s", from, err)
	}
}

func (s *Server) serveTCP(ctx context.Context) error {
	addr := net.TCPAddrFromAddrPort(s.listen)
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on tcp %s: %w", s.listen, err)
	}
	defer func() { _ = ln.Close() }()

	log.Info("server: listening on tcp %s", ln.Addr())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tcp accept: %w", err)
		}

		_ = conn.SetNoDelay(true)
		go s.handleTCPConn(ctx, conn)
	}
}

// handleTCPConn reads length-prefixed queries from conn, pipelining
// dispatch per RFC 7766 §6.2.1.1: each query is handled in its own
// goroutine, and responses are serialized back onto conn through respCh so
// concurrent writers never interleave their bytes.
func (s *Server) handleTCPConn(ctx context.Context, conn *net.TCPConn) {
	defer func() { _ = conn.Close() }()

	respCh := make(chan []byte, 1)
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		writeTCPResponses(conn, respCh, quit)
	}()
	defer func() {
		close(quit)
		<-done
	}()

	buf := make([]byte, tcpReadBufferSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(tcpDeadlineTimeout))

		var lenBuf [2]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug("server: tcp connection from %s closed", conn.RemoteAddr())
			} else if isTimeout(err) {
				log.Info("server: tcp connection from %s timed out waiting for a query", conn.RemoteAddr())
			} else {
				log.Debug("server: tcp read length prefix from %s: %s", conn.RemoteAddr(), err)
			}
			return
		}

		n := int(binary.BigEndian.Uint16(lenBuf[:]))
		if cap(buf) < n {
			buf = make([]byte, n)
		}

		_ = conn.SetReadDeadline(time.Now().Add(tcpReadTimeout))
		if _, err := io.ReadFull(conn, buf[:n]); err != nil {
			log.Debug("server: tcp read query from %s: %s", conn.RemoteAddr(), err)
			return
		}

		req := make([]byte, n)
		copy(req, buf[:n])

		go func() {
			resp, ok := s.engine.Query(ctx, req)
			if !ok {
				log.Debug("server: tcp query from %s produced no response", conn.RemoteAddr())
				return
			}
			select {
			case respCh <- resp:
			case <-quit:
			}
		}()
	}
}

// writeTCPResponses serializes length-prefixed writes for one connection
// until quit is closed.
func writeTCPResponses(conn *net.TCPConn, respCh <-chan []byte, quit <-chan struct{}) {
	for {
		select {
		case resp := <-respCh:
			var lenBuf [2]byte
			binary.BigEndian.PutUint16(lenBuf[:], uint16(len(resp)))

			if _, err := conn.Write(lenBuf[:]); err != nil {
				log.Debug("server: tcp write length prefix to %s: %s", conn.RemoteAddr(), err)
				return
			}
			if _, err := conn.Write(resp); err != nil {
				log.Debug("server: tcp write response to %s: %s", conn.RemoteAddr(), err)
				return
			}
		case <-quit:
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
