package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/loykin/readyd/internal/config"
	"github.com/loykin/readyd/internal/handshake"
	"github.com/loykin/readyd/pkg/client"
)

type command struct {
	out io.Writer
}

func apiClient(f APIFlags) *client.Client {
	cfg := client.DefaultConfig()
	if f.APIUrl != "" {
		cfg.BaseURL = f.APIUrl
	}
	if f.APITimeout > 0 {
		cfg.Timeout = f.APITimeout
	}
	cfg.Insecure = f.Insecure
	return client.New(cfg)
}

func reachable(ctx context.Context, f APIFlags) (*client.Client, error) {
	cl := apiClient(f)
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'readyd serve'", f.APIUrl)
	}
	return cl, nil
}

// Check runs a readiness cycle on the daemon.
func (c command) Check(ctx context.Context, f APIFlags, cf CheckFlags) error {
	cl, err := reachable(ctx, f)
	if err != nil {
		return err
	}
	ok, err := cl.Ready(ctx, cf.Wait)
	if err != nil {
		return err
	}
	if !ok {
		return client.ErrNotReady
	}
	_, _ = fmt.Fprintln(c.out, "ready")
	return nil
}

// Status prints the daemon's view of the worker.
func (c command) Status(ctx context.Context, f APIFlags) error {
	cl, err := reachable(ctx, f)
	if err != nil {
		return err
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	c.printJSON(st)
	return nil
}

// HandshakeShow prints the current handshake record, or null when absent.
func (c command) HandshakeShow(ctx context.Context, f APIFlags, hf HandshakeFlags) error {
	if hf.Local {
		hs, err := localHandshake(hf)
		if err != nil {
			return err
		}
		rec, err := hs.Read()
		if err != nil {
			return err
		}
		c.printJSON(rec)
		return nil
	}
	cl, err := reachable(ctx, f)
	if err != nil {
		return err
	}
	rec, err := cl.Handshake(ctx)
	if err != nil {
		return err
	}
	c.printJSON(rec)
	return nil
}

// HandshakeClear removes the handshake file.
func (c command) HandshakeClear(ctx context.Context, f APIFlags, hf HandshakeFlags) error {
	if hf.Local {
		hs, err := localHandshake(hf)
		if err != nil {
			return err
		}
		if err := hs.Remove(); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "removed %s\n", hs.Path)
		return nil
	}
	cl, err := reachable(ctx, f)
	if err != nil {
		return err
	}
	if err := cl.ClearHandshake(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "handshake cleared")
	return nil
}

// localHandshake resolves the handshake file from --file or the config's check_file.
func localHandshake(hf HandshakeFlags) (*handshake.File, error) {
	if strings.TrimSpace(hf.File) != "" {
		return handshake.New(hf.File), nil
	}
	if hf.ConfigPath == "" {
		return nil, errors.New("--local requires --file or --config")
	}
	cfg, err := config.LoadConfig(hf.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return handshake.New(cfg.Readiness.CheckFile), nil
}

func (c command) printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(c.out, string(b))
}
