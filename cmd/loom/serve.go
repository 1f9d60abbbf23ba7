package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	attachpulse "github.com/loomkit/loom/features/attach/pulse"
	clientspulse "github.com/loomkit/loom/features/attach/pulse/clients/pulse"
	"github.com/loomkit/loom/kernel/fault"
	"github.com/loomkit/loom/kernel/session"
	"github.com/loomkit/loom/kernel/signal"
	"github.com/loomkit/loom/kernel/telemetry"
	transporthttp "github.com/loomkit/loom/transport/http"
)

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", ":8080", "HTTP listen address")
	redisAddr := fs.String("redis", "", "Redis address; mirrors session signals onto Pulse streams")
	debug := fs.Bool("debug", false, "Enable debug logs and gin debug mode")
	storeF := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	st, cleanup, err := storeF.open(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	var pulseClient clientspulse.Client
	if *redisAddr != "" {
		pulseClient, err = clientspulse.New(clientspulse.Options{
			Redis: redis.NewClient(&redis.Options{Addr: *redisAddr}),
		})
		if err != nil {
			return err
		}
		log.Printf(ctx, "mirroring signals to pulse streams at %s", *redisAddr)
	}

	logger := telemetry.NewClueLogger()
	schemas, err := workflowSchemas()
	if err != nil {
		return err
	}
	launch := func(ctx context.Context, input map[string]any) (*session.Session, *session.Machine, error) {
		name, _ := input["workflow"].(string)
		if name == "" {
			name = "demo"
		}
		wf, ok := workflows()[name]
		if !ok {
			return nil, nil, fault.New(fault.KindValidation, "unknown workflow %q", name)
		}

		machine := progressMachine()
		sess := session.New(session.Config{
			Store:       st,
			Machine:     machine,
			Interactive: true,
			Schemas:     schemas,
			Log:         logger,
		})
		if pulseClient != nil {
			if err := sess.Attach(attachpulse.Publisher(pulseClient, attachpulse.WithLogger(logger))); err != nil {
				return nil, nil, err
			}
		}
		if err := sess.Run(ctx, wf(input)); err != nil {
			return nil, nil, err
		}
		return sess, machine, nil
	}

	server, err := transporthttp.NewServer(transporthttp.Options{
		Launch: launch,
		Store:  st,
		Log:    logger,
	})
	if err != nil {
		return err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	server.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		ossignal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Printf(ctx, "HTTP server listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Printf(ctx, "exited")
	return nil
}

// progressMachine tracks a generic view of any workflow: total signal count
// and the last signal name, served by the state endpoint.
func progressMachine() *session.Machine {
	return session.NewMachine(session.State{"signals": 0, "last": ""}).
		OnReduce("", func(state session.State, sig signal.Enriched) {
			n, _ := state["signals"].(int)
			state["signals"] = n + 1
			state["last"] = sig.Name
		})
}
