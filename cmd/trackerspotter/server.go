package main

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/jbesclapez/trackerspotter/internal/config"
	"github.com/jbesclapez/trackerspotter/internal/httptracker"
	"github.com/jbesclapez/trackerspotter/internal/logs"
	"github.com/jbesclapez/trackerspotter/internal/store"
	"github.com/jbesclapez/trackerspotter/internal/tracker"
	"github.com/jbesclapez/trackerspotter/internal/udptracker"
	"github.com/jbesclapez/trackerspotter/internal/upnp"
	"github.com/jbesclapez/trackerspotter/internal/web"
)

const (
	sweepInterval   = time.Minute
	shutdownTimeout = 30 * time.Second
)

type Server struct {
	conf *config.Config
	log  *zap.Logger
}

func NewServer(conf *config.Config) *Server {
	return &Server{conf: conf, log: logs.GetLogger()}
}

// Run wires the whole pipeline and blocks until ctx cancellation: store and
// live hub subscribe to the publisher, both listeners publish into it, the
// registry sweeper prunes expired UDP connections.
func (s *Server) Run(ctx context.Context) error {
	st, err := store.Open(s.conf.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			s.log.Debug("failed to close store", zap.Error(err))
		}
	}()

	pub := tracker.NewPublisher()
	registry := tracker.NewRegistry(tracker.ConnectionTTL)
	hub := web.NewLiveHub()

	// Subscriptions are created before any listener can publish.
	storeSub := pub.Subscribe("store", s.conf.EventBuffer)
	liveSub := pub.Subscribe("live", s.conf.EventBuffer)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); st.Run(ctx, storeSub) }()
	go func() { defer wg.Done(); hub.Run(ctx, liveSub) }()
	go func() { defer wg.Done(); registry.RunSweeper(ctx, sweepInterval) }()

	// UDP listeners.
	udp := udptracker.New(registry, pub, st, uint32(s.conf.AnnounceInterval))

	conn4, err := udptracker.ListenUDP("udp4", s.conf.Host, s.conf.Port)
	if err != nil {
		return errors.Wrap(err, "failed to listen on IPv4")
	}
	s.log.Info("UDP tracker listening", zap.Stringer("addr", conn4.LocalAddr()))

	var conn6 *net.UDPConn
	if s.conf.EnableIPv6 {
		conn6, err = udptracker.ListenUDP("udp6", "", s.conf.Port)
		if err != nil {
			s.log.Warn("IPv6 not available", zap.Error(err))
		} else {
			s.log.Info("UDP tracker listening", zap.Stringer("addr", conn6.LocalAddr()))
		}
	}

	wg.Add(1)
	go func() { defer wg.Done(); udp.Listen(ctx, conn4) }()
	if conn6 != nil {
		wg.Add(1)
		go func() { defer wg.Done(); udp.Listen(ctx, conn6) }()
	}

	// HTTP tracker + dashboard API + websocket feed share one TCP socket on
	// the same port number as the UDP tracker.
	router := mux.NewRouter()
	httptracker.New(pub, st, s.conf.AnnounceInterval).Register(router)
	web.NewAPI(st).Register(router)
	router.HandleFunc("/ws", hub.Handler())

	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(s.conf.Host, strconv.Itoa(s.conf.Port)),
		Handler:           cors.AllowAll().Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		s.log.Info("HTTP tracker listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	if s.conf.EnableUPnP {
		s.mapPorts()
		defer s.unmapPorts()
	}

	select {
	case err := <-httpErr:
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	s.log.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Debug("http shutdown", zap.Error(err))
	}

	// Closing the sockets unblocks the UDP receive loops.
	if err := conn4.Close(); err != nil {
		s.log.Debug("failed to close IPv4 socket", zap.Error(err))
	}
	if conn6 != nil {
		if err := conn6.Close(); err != nil {
			s.log.Debug("failed to close IPv6 socket", zap.Error(err))
		}
	}

	pub.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		s.log.Warn("forcing shutdown after timeout")
		return errors.New("shutdown timeout")
	}
}

func (s *Server) mapPorts() {
	for _, proto := range []string{"UDP", "TCP"} {
		if err := upnp.MapPort(uint16(s.conf.Port), proto, "TrackerSpotter"); err != nil {
			s.log.Warn("upnp port mapping failed", zap.String("protocol", proto), zap.Error(err))
		} else {
			s.log.Info("upnp port mapped", zap.String("protocol", proto), zap.Int("port", s.conf.Port))
		}
	}
}

func (s *Server) unmapPorts() {
	for _, proto := range []string{"UDP", "TCP"} {
		if err := upnp.UnmapPort(uint16(s.conf.Port), proto); err != nil {
			s.log.Debug("upnp port unmapping failed", zap.String("protocol", proto), zap.Error(err))
		}
	}
}
