package main

import (
	"crypto/ed25519"
	"flag"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"xorroute/internal/bootstrap"
	"xorroute/internal/ident"
	"xorroute/internal/node"
	"xorroute/internal/routing"
	"xorroute/internal/sentinel"
	"xorroute/internal/telemetry"
	"xorroute/internal/transport"
	"xorroute/internal/transport/noisetcp"
	"xorroute/internal/wire"
)

func main() {
	bind := flag.String("bind", ":0", "listen address (e.g. :5483)")
	transportKind := flag.String("transport", "quic", "transport: quic or tcp")
	metricsAddr := flag.String("metrics", "", "serve prometheus metrics on this address (empty disables)")
	datadir := flag.String("datadir", defaultDataDir(), "data directory for the contact store")
	bootstrapStr := flag.String("bootstrap", "", "comma-separated contacts, each hexid@host:port")
	cacheResponder := flag.Bool("cache-responder", false, "answer GetData from the content cache")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	logger, err := telemetry.NewLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store, err := bootstrap.Open(filepath.Join(*datadir, "contacts.db"))
	if err != nil {
		logger.Fatal("open contact store", zap.Error(err))
	}
	defer store.Close()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		logger.Fatal("generate identity", zap.Error(err))
	}
	self := ident.FromPublicKey(pub)

	var tr transport.Transport
	switch *transportKind {
	case "quic":
		tr, err = transport.NewQUIC(self, *bind, logger)
	case "tcp":
		tr, err = noisetcp.New(self, *bind, logger)
	default:
		logger.Fatal("unknown transport", zap.String("transport", *transportKind))
	}
	if err != nil {
		logger.Fatal("start transport", zap.Error(err))
	}

	metrics := telemetry.New()

	// The sentinel resolves keys through the node; bind it late.
	var rn *node.RoutingNode
	acc := sentinel.NewAccumulator(func(a ident.Address) (ed25519.PublicKey, bool) {
		if rn == nil {
			return nil, false
		}
		return rn.PublicKeyOf(a)
	}, sentinel.WithLogger(logger))

	rn, err = node.New(node.Config{
		PublicKey:      pub,
		PrivateKey:     priv,
		Transport:      tr,
		Handler:        &logHandler{log: logger},
		Sentinel:       acc,
		Logger:         logger,
		Metrics:        metrics,
		CacheResponder: *cacheResponder,
	})
	if err != nil {
		logger.Fatal("create node", zap.Error(err))
	}

	fmt.Printf("Node started.\n")
	fmt.Printf("ID:\t%s\n", rn.ID().Hex())
	fmt.Printf("Port:\t%d\n", tr.AcceptingPort())

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	contacts, err := store.Read()
	if err != nil {
		logger.Warn("read contact store", zap.Error(err))
	}
	if extra, err := parseContacts(*bootstrapStr); err != nil {
		logger.Fatal("parse -bootstrap", zap.Error(err))
	} else if len(extra) > 0 {
		contacts = append(contacts, extra...)
		if err := store.Add(extra...); err != nil {
			logger.Warn("persist contacts", zap.Error(err))
		}
	}

	if len(contacts) > 0 {
		rn.Bootstrap(contacts, func(err error) {
			if err != nil {
				logger.Warn("bootstrap failed", zap.Error(err))
				return
			}
			logger.Info("bootstrap complete", zap.String("state", rn.State().String()))
		})
	} else {
		logger.Info("no contacts; waiting for inbound connections")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	_ = rn.Stop()
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".xorroute"
	}
	return filepath.Join(home, ".xorroute")
}

// parseContacts reads "hexid@host:port" entries.
func parseContacts(s string) ([]routing.Contact, error) {
	if s == "" {
		return nil, nil
	}
	var out []routing.Contact
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idStr, epStr, ok := strings.Cut(part, "@")
		if !ok {
			return nil, fmt.Errorf("contact %q: want hexid@host:port", part)
		}
		addr, err := ident.ParseHex(idStr)
		if err != nil {
			return nil, fmt.Errorf("contact %q: %w", part, err)
		}
		ep, err := netip.ParseAddrPort(epStr)
		if err != nil {
			return nil, fmt.Errorf("contact %q: %w", part, err)
		}
		out = append(out, routing.Contact{
			Address:   addr,
			Endpoints: routing.EndpointPair{Internal: ep, External: ep},
		})
	}
	return out, nil
}

// logHandler is the default application surface: it logs group traffic
// and serves nothing.
type logHandler struct {
	node.NopHandler
	log *zap.Logger
}

func (h *logHandler) HandlePut(source wire.Source, from, our wire.Authority, dataTag uint64, data []byte) error {
	h.log.Info("put received",
		zap.String("from", source.Node.Short()),
		zap.Stringer("from_authority", from),
		zap.Stringer("our_authority", our),
		zap.Uint64("data_tag", dataTag),
		zap.Int("bytes", len(data)))
	return nil
}

func (h *logHandler) HandleChurn(diff routing.CloseGroupDifference) {
	h.log.Info("close group changed",
		zap.Int("added", len(diff.Added)),
		zap.Int("removed", len(diff.Removed)))
}
