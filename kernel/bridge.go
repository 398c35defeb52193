package kernel

import (
	"context"
	"fmt"

	"github.com/nmxmxh/simkernel/kernel/config"
	"github.com/nmxmxh/simkernel/kernel/status"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

// statusLink is where the experiment came from and where statuses go
type statusLink struct {
	manifest *config.Manifest
	sender   status.Sender
	close    func() error
}

// connect obtains the experiment. A manifest given to the engine is run
// locally; otherwise the engine dials the orchestrator, announces itself
// and waits for the manifest, bounded by the handshake timeout.
func (e *Engine) connect(ctx context.Context) (*statusLink, error) {
	if e.manifest != nil {
		sender := e.sender
		if sender == nil {
			sender = status.LogSender{Logger: e.logger.Named("status")}
		}
		link := &statusLink{manifest: e.manifest, sender: sender, close: func() error { return nil }}
		e.notify(sender, status.Started())
		return link, nil
	}
	if e.config.OrchestratorURL == "" {
		return nil, ErrNoExperiment
	}

	if !e.transitionState(StateBooting, StateWaitingForInit) {
		return nil, fmt.Errorf("engine cannot wait for init from %s", e.State())
	}
	e.logger.Info("waiting for experiment",
		utils.String("orchestrator", e.config.OrchestratorURL),
		utils.Duration("timeout", e.config.HandshakeTimeout))

	client, err := status.Dial(ctx, e.config.OrchestratorURL, e.logger.Named("status"))
	if err != nil {
		return nil, err
	}
	payload, err := client.Handshake(ctx, e.config.HandshakeTimeout)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	manifest, err := config.ParseManifest(payload)
	if err == nil {
		err = manifest.Validate()
	}
	if err != nil {
		e.notify(client, status.ProcessError(err.Error()))
		_ = client.Close()
		return nil, err
	}
	e.logger.Info("experiment received", utils.String("experiment", manifest.Name), utils.Int("bytes", len(payload)))
	return &statusLink{manifest: manifest, sender: client, close: client.Close}, nil
}
