package gateway

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/internal/gwclient"
	"go.uber.org/zap"
)

// clientService runs one gwclient.Client per enabled GatewayConnection
// configured against this manager (§4.8): the reverse direction, where
// this manager dials out to a remote manager and presents its own local
// asset tree as a gateway.
type clientService struct {
	module *Module

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func newClientService(m *Module) *clientService {
	return &clientService{
		module:  m,
		running: make(map[string]context.CancelFunc),
	}
}

// run reconciles the set of running clients against stored connections
// every reconcileInterval until ctx is canceled.
func (s *clientService) run(ctx context.Context) {
	const reconcileInterval = 30 * time.Second
	s.reconcile(ctx)

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *clientService) reconcile(ctx context.Context) {
	realms, err := s.module.connStore.allRealms(ctx)
	if err != nil {
		s.module.logger.Warn("failed to list gateway connection realms", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, realm := range realms {
		conns, err := s.module.connStore.List(ctx, realm)
		if err != nil {
			s.module.logger.Warn("failed to list gateway connections", zap.String("realm", realm), zap.Error(err))
			continue
		}
		// At most one active connection per realm; an already-running one is kept.
		active := ""
		for _, c := range conns {
			if _, ok := s.running[c.ID]; ok && !c.Disabled && active == "" {
				active = c.ID
			}
		}
		for _, c := range conns {
			seen[c.ID] = true
			if c.Disabled || (active != "" && active != c.ID) {
				if cancel, ok := s.running[c.ID]; ok {
					cancel()
					delete(s.running, c.ID)
				}
				continue
			}
			active = c.ID
			if _, ok := s.running[c.ID]; ok {
				continue
			}
			clientCtx, cancel := context.WithCancel(ctx)
			s.running[c.ID] = cancel
			go s.runConnection(clientCtx, c)
		}
	}

	for id, cancel := range s.running {
		if !seen[id] {
			cancel()
			delete(s.running, id)
		}
	}
}

func (s *clientService) runConnection(ctx context.Context, c GatewayConnection) {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	cfg := gwclient.DefaultConfig()
	cfg.ManagerURL = scheme + "://" + c.Host + portSuffix(c.Port) + "/api/v1/gateway"
	cfg.Realm = c.Realm
	cfg.ClientID = c.ClientID
	cfg.ClientSecret = c.ClientSecret

	source := gwclient.NewStoreDataSource(s.module.assetStore)
	client := gwclient.NewClient(cfg, source, s.module.logger.Named("gwclient").With(zap.String("connection_id", c.ID)))
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		s.module.logger.Warn("gateway client connection ended", zap.String("connection_id", c.ID), zap.Error(err))
	}
}

func (s *clientService) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.running {
		cancel()
		delete(s.running, id)
	}
}

func portSuffix(port int) string {
	if port == 0 {
		return ""
	}
	return ":" + strconv.Itoa(port)
}
