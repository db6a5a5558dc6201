package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/emersion/go-sasl"
	"github.com/relaymta/relaymta/framework/config"
	"github.com/relaymta/relaymta/framework/log"
	"github.com/relaymta/relaymta/internal/dirqueue"
	"github.com/relaymta/relaymta/internal/policyabi"
	"github.com/relaymta/relaymta/internal/queue"
	"github.com/relaymta/relaymta/internal/smtptransport"
)

// logOutput and defaultLogOutput mirror the teacher's own config.go: the
// "log" directive takes a list of targets (stderr, stderr_ts, syslog,
// off, or a file path) and builds a single, possibly fanned-out, Output.
func logOutput(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "expected at least 1 argument")
	}
	if len(node.Children) != 0 {
		return nil, config.NodeErr(node, "can't declare a block here")
	}
	return LogOutputOption(node.Args)
}

func defaultLogOutput() (interface{}, error) {
	return log.DefaultLogger.Out, nil
}

func LogOutputOption(args []string) (log.Output, error) {
	outs := make([]log.Output, 0, len(args))
	for _, arg := range args {
		switch arg {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "syslog":
			syslogOut, err := log.SyslogOutput()
			if err != nil {
				return nil, fmt.Errorf("failed to connect to syslog daemon: %w", err)
			}
			outs = append(outs, syslogOut)
		case "off":
			if len(args) != 1 {
				return nil, errors.New("'off' can't be combined with other log targets")
			}
			return log.NopOutput{}, nil
		default:
			absPath, err := filepath.Abs(arg)
			if err != nil {
				return nil, err
			}
			w, err := os.OpenFile(absPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o666)
			if err != nil {
				return nil, fmt.Errorf("failed to create log file: %w", err)
			}
			outs = append(outs, log.WriteCloserOutput(w, true))
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}

// smarthostConfig is the value produced by the "smarthost" directive's
// Custom mapper: an address to dial plus an optional auth factory, grounded
// on target/smtp_downstream's saslAuthDirective.
type smarthostConfig struct {
	addr string
	auth smtptransport.AuthClientFactory
}

func smarthostDirective(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) != 1 {
		return nil, config.NodeErr(node, "expected exactly 1 argument (host:port)")
	}
	sh := &smarthostConfig{addr: node.Args[0]}

	for _, child := range node.Children {
		if child.Name != "auth" {
			return nil, config.NodeErr(child, "unknown directive in smarthost block: %s", child.Name)
		}
		factory, err := authDirective(child)
		if err != nil {
			return nil, err
		}
		sh.auth = factory
	}

	return sh, nil
}

func authDirective(node config.Node) (smtptransport.AuthClientFactory, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "at least one argument required")
	}
	switch node.Args[0] {
	case "off":
		return nil, nil
	case "plain":
		if len(node.Args) != 3 {
			return nil, config.NodeErr(node, "two additional arguments are required (username, password)")
		}
		user, pass := node.Args[1], node.Args[2]
		return func(string) (sasl.Client, error) {
			return sasl.NewPlainClient("", user, pass), nil
		}, nil
	case "external":
		if len(node.Args) != 1 {
			return nil, config.NodeErr(node, "no additional arguments required")
		}
		return func(string) (sasl.Client, error) {
			return sasl.NewExternalClient(""), nil
		}, nil
	default:
		return nil, config.NodeErr(node, "unknown authentication mechanism: %s", node.Args[0])
	}
}

// bounceConfig is produced by the "bounce" block. Bounces are always
// enabled; without the block, or without autogenerated_msg_domain in it,
// buildQueue uses the hostname directive as the DSN message domain.
type bounceConfig struct {
	autogenMsgDomain string
}

func bounceDirective(_ *config.Map, node config.Node) (interface{}, error) {
	bc := &bounceConfig{}
	m := config.NewMap(nil, node)
	m.String("autogenerated_msg_domain", false, false, "", &bc.autogenMsgDomain)
	if _, err := m.Process(); err != nil {
		return nil, err
	}
	return bc, nil
}

// daemonConfig is the fully parsed, type-checked directive tree for one
// relaymtad instance.
type daemonConfig struct {
	location       string
	hostname       string
	maxParallelism int
	policyWASMPath string
	smarthost      *smarthostConfig
	bounce         *bounceConfig
}

func parseConfig(nodes []config.Node) (*daemonConfig, error) {
	cfg := &daemonConfig{}
	var smarthostVal, bounceVal interface{}

	m := config.NewMap(nil, config.Node{Children: nodes})
	m.String("location", false, true, "", &cfg.location)
	m.String("hostname", false, true, "", &cfg.hostname)
	m.Int("max_parallelism", false, false, 0, &cfg.maxParallelism)
	m.String("policy_wasm", false, false, "", &cfg.policyWASMPath)
	m.Custom("smarthost", false, false, func() (interface{}, error) { return nil, nil }, smarthostDirective, &smarthostVal)
	m.Custom("bounce", false, false, func() (interface{}, error) { return nil, nil }, bounceDirective, &bounceVal)
	m.Custom("log", false, false, defaultLogOutput, logOutput, &log.DefaultLogger.Out)
	m.Bool("debug", false, log.DefaultLogger.Debug, &log.DefaultLogger.Debug)

	if _, err := m.Process(); err != nil {
		return nil, err
	}

	if sh, ok := smarthostVal.(*smarthostConfig); ok {
		cfg.smarthost = sh
	}
	if bc, ok := bounceVal.(*bounceConfig); ok {
		cfg.bounce = bc
	}

	return cfg, nil
}

// buildQueue wires Storage, Transport and Policy per cfg into a running
// Queue, the same three-component assembly cmd/maddy's moduleMain does
// for a module.Module tree, minus the module registry this spec has no
// use for.
func buildQueue(ctx context.Context, cfg *daemonConfig) (*queue.Queue, error) {
	if !filepath.IsAbs(cfg.location) {
		cfg.location = filepath.Join(DefaultStateDirectory, cfg.location)
	}
	storage, err := dirqueue.Open(cfg.location)
	if err != nil {
		return nil, fmt.Errorf("relaymtad: %w", err)
	}

	var dialer smtptransport.Dialer
	var auth smtptransport.AuthClientFactory
	if cfg.smarthost != nil {
		addr := cfg.smarthost.addr
		auth = cfg.smarthost.auth
		dialer = func(ctx context.Context, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	} else {
		return nil, errors.New("relaymtad: no smarthost configured; direct-to-MX delivery requires a caller-supplied Dialer and is not available from the config file")
	}

	transport := &smtptransport.Transport{
		Dialer:   dialer,
		Hostname: cfg.hostname,
		Auth:     auth,
	}

	bounceLog := log.Logger{Name: "bounce", Out: log.DefaultLogger.Out, Debug: log.DefaultLogger.Debug}
	sink := &queueBounceSink{}
	autogenDomain := cfg.hostname
	if cfg.bounce != nil && cfg.bounce.autogenMsgDomain != "" {
		autogenDomain = cfg.bounce.autogenMsgDomain
	}
	var policy queue.Policy = queue.NewDefaultPolicy(bounceLog, sink, cfg.hostname, autogenDomain)

	if cfg.policyWASMPath != "" {
		wasmBytes, err := os.ReadFile(cfg.policyWASMPath)
		if err != nil {
			return nil, fmt.Errorf("relaymtad: reading policy_wasm: %w", err)
		}
		policyLog := log.Logger{Name: "policyabi", Out: log.DefaultLogger.Out, Debug: log.DefaultLogger.Debug}
		wasmPolicy, err := policyabi.NewWASMPolicy(ctx, wasmBytes, policy, policyLog)
		if err != nil {
			return nil, fmt.Errorf("relaymtad: loading policy_wasm: %w", err)
		}
		policy = wasmPolicy
	}

	q, err := queue.New(ctx, policy, storage, transport, cfg.location, cfg.maxParallelism)
	if err != nil {
		return nil, fmt.Errorf("relaymtad: starting queue: %w", err)
	}
	sink.q = q

	return q, nil
}
