// Package announce plays a prompt on every live channel of an extension when
// its presence changes.
package announce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"confbridge-admin/internal/cliparse"
	"confbridge-admin/internal/config"
	"confbridge-admin/internal/models"
	"confbridge-admin/internal/pbx"
)

type Commander interface {
	Run(ctx context.Context, cmd pbx.Command) (pbx.Reply, error)
}

// Result describes one dispatch. Channels holds the endpoints dialed for
// playback. Prompt is empty when no prompt is configured for the event, in
// which case nothing was played.
type Result struct {
	Extension string   `json:"extension"`
	Event     string   `json:"event"`
	Prompt    string   `json:"prompt,omitempty"`
	Channels  []string `json:"channels"`
	Failed    int      `json:"failed"`
}

type Dispatcher struct {
	pbx         Commander
	global      map[string]string
	extensions  map[string]map[string]string
	parallelism int
	logger      *slog.Logger
}

func NewDispatcher(cmd Commander, prompts config.PromptConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	parallelism := prompts.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Dispatcher{
		pbx:         cmd,
		global:      prompts.Global,
		extensions:  prompts.Extensions,
		parallelism: parallelism,
		logger:      logger.With("component", "announce"),
	}
}

// Prompt resolves the asset for event, preferring the extension's own entry.
func (d *Dispatcher) Prompt(ext, event string) (string, bool) {
	if p, ok := d.extensions[ext][event]; ok && p != "" {
		return p, true
	}
	p, ok := d.global[event]
	return p, ok && p != ""
}

// Dispatch plays the prompt for event on each endpoint ext is live on. Playback
// failures are counted, not returned; an error means the channels could not
// be listed.
func (d *Dispatcher) Dispatch(ctx context.Context, ext, event string) (Result, error) {
	res := Result{Extension: ext, Event: event, Channels: []string{}}
	prompt, ok := d.Prompt(ext, event)
	if !ok {
		return res, nil
	}
	res.Prompt = prompt

	reply, err := d.pbx.Run(ctx, pbx.Command{Action: pbx.ActionChannels})
	if err != nil {
		return res, fmt.Errorf("list channels for %s: %w", ext, err)
	}
	res.Channels = channelsOf(cliparse.ParseChannels(reply.Raw), ext)
	if len(res.Channels) == 0 {
		return res, nil
	}

	var failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for _, ch := range res.Channels {
		ch := ch
		g.Go(func() error {
			_, err := d.pbx.Run(gctx, pbx.Command{Action: pbx.ActionPlay, Channel: ch, File: prompt})
			if err != nil {
				failed.Add(1)
				d.logger.Warn("prompt playback failed", "extension", ext, "channel", ch, "prompt", prompt, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	res.Failed = int(failed.Load())
	return res, nil
}

// Announce is the fire-and-forget form of Dispatch used by the presence
// service.
func (d *Dispatcher) Announce(ctx context.Context, ext, event string) {
	res, err := d.Dispatch(ctx, ext, event)
	if err != nil {
		d.logger.Error("announcement failed", "extension", ext, "event", event, "error", err)
		return
	}
	if res.Prompt == "" {
		return
	}
	d.logger.Info("announcement dispatched", "extension", ext, "event", event,
		"prompt", res.Prompt, "channels", len(res.Channels), "failed", res.Failed)
}

// channelsOf returns the dial strings ("PJSIP/2001") of the endpoints ext
// has live channels on, in first-seen order. Originate needs a dial string;
// a channel instance name like "PJSIP/2001-00000001" cannot be dialed.
func channelsOf(channels []models.Channel, ext string) []string {
	suffix := "/" + ext
	out := []string{}
	seen := make(map[string]bool)
	for _, c := range channels {
		ep := c.Endpoint()
		if !strings.HasSuffix(ep, suffix) || seen[ep] {
			continue
		}
		seen[ep] = true
		out = append(out, ep)
	}
	return out
}
