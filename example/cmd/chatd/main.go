// Command chatd runs the demo assistant as an interactive chat: each stdin
// line is delivered as one inbound message, and replies print once the
// logical turn commits. Rapid consecutive lines exercise accumulation and
// supersession the same way burst-typed chat messages would.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	chatd "example.com/chatd"
	redisstore "goa.design/fabric/features/session/redis"
	"goa.design/fabric/runtime/fabric/api"
	"goa.design/fabric/runtime/fabric/audit"
	"goa.design/fabric/runtime/fabric/commit"
	engineinmem "goa.design/fabric/runtime/fabric/engine/inmem"
	"goa.design/fabric/runtime/fabric/events"
	"goa.design/fabric/runtime/fabric/runtime"
	"goa.design/fabric/runtime/fabric/session"
	sessioninmem "goa.design/fabric/runtime/fabric/session/inmem"
	"goa.design/fabric/runtime/fabric/telemetry"
)

func main() {
	var (
		tenantF  = flag.String("tenant", "acme", "Tenant identifier")
		agentF   = flag.String("agent", "support-bot", "Agent identifier")
		userF    = flag.String("user", "demo-user", "Interlocutor identifier")
		channelF = flag.String("channel", "webchat", "Channel token (webchat, sms, api, voice)")
		redisF   = flag.String("redis", "", "Redis address for session coordination (empty uses in-memory)")
		dbgF     = flag.Bool("debug", false, "Log fabric events")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	key, err := session.BuildKey(*tenantF, *agentF, *userF, *channelF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid session identity")
	}

	store, err := buildStore(ctx, *redisF)
	if err != nil {
		log.Fatalf(ctx, err, "session store")
	}

	sink := audit.NewInMemSink()
	rt, err := runtime.New(
		runtime.WithEngine(engineinmem.New()),
		runtime.WithSessionStore(store),
		runtime.WithBrain(chatd.Assistant{}),
		runtime.WithCommitTracker(commit.NewTracker(commit.WithToolPolicies(chatd.ToolPolicies()))),
		runtime.WithAuditSink(sink),
		runtime.WithLogger(telemetry.NewClueLogger()),
		runtime.WithMetrics(telemetry.NewClueMetrics()),
		runtime.WithTracer(telemetry.NewClueTracer()),
	)
	if err != nil {
		log.Fatalf(ctx, err, "build runtime")
	}
	if err := rt.Register(ctx); err != nil {
		log.Fatalf(ctx, err, "register runtime")
	}

	// Replies print from the event stream so they appear exactly when the
	// turn commits, not when Deliver returns.
	if _, err := rt.Router().Subscribe(string(events.TurnCompleted), events.ListenerFunc(
		func(ctx context.Context, e events.Event) error {
			rec, err := sink.LoadTurn(ctx, e.LogicalTurnID)
			if err != nil {
				return err
			}
			for _, seg := range rec.ResponseSegments {
				fmt.Printf("assistant> %s\n", seg)
			}
			return nil
		})); err != nil {
		log.Fatalf(ctx, err, "subscribe reply printer")
	}
	if *dbgF {
		if _, err := rt.Router().Subscribe("*", events.ListenerFunc(
			func(ctx context.Context, e events.Event) error {
				log.Debug(ctx, log.KV{K: "event", V: string(e.Type)}, log.KV{K: "turn", V: e.LogicalTurnID})
				return nil
			})); err != nil {
			log.Fatalf(ctx, err, "subscribe event logger")
		}
	}

	log.Print(ctx, log.KV{K: "msg", V: "chat ready, type messages"}, log.KV{K: "session", V: string(key)})

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		res, err := rt.Deliver(ctx, api.Message{
			ID:         uuid.NewString(),
			SessionKey: key,
			Content:    line,
			ReceivedAt: time.Now().UTC(),
		})
		if err != nil {
			log.Errorf(ctx, err, "deliver")
			continue
		}
		log.Debug(ctx, log.KV{K: "decision", V: string(res.Decision)}, log.KV{K: "workflow", V: res.WorkflowID})
	}

	// Give in-flight turns a moment to commit, then show the audit trail.
	time.Sleep(time.Second)
	records, err := sink.ListSession(ctx, key, 10)
	if err != nil {
		log.Errorf(ctx, err, "list session history")
		return
	}
	for _, rec := range records {
		log.Print(ctx,
			log.KV{K: "turn", V: rec.TurnID},
			log.KV{K: "status", V: string(rec.Status)},
			log.KV{K: "reason", V: rec.CompletionReason},
			log.KV{K: "messages", V: len(rec.MessageIDs)},
			log.KV{K: "effects", V: len(rec.SideEffects)},
		)
	}
}

// buildStore selects the session coordination backend: Redis when an address
// is given, in-memory otherwise. The in-memory store only coordinates within
// this process, which is all the demo needs.
func buildStore(ctx context.Context, addr string) (session.Store, error) {
	if addr == "" {
		return sessioninmem.New(sessioninmem.Options{}), nil
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return redisstore.New(redisstore.Options{Redis: client})
}
