package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"intercom/pkg/client"
)

var (
	peerAutoAnswer  bool
	peerAnswerDelay time.Duration
)

var peerCmd = &cobra.Command{
	Use:   "peer <host:port>",
	Short: "Act as the bridge side of a device",
	Long: `Connect to a device in server role and stay connected, the way a home
automation bridge would. Calls placed on the device arrive here; with
--auto-answer they are answered after --answer-delay and audio flows both
ways until either side stops.

The link is kept alive with PINGs while no call is active.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		zapLogger := newLogger(cfg)
		defer zapLogger.Sync()
		log := zapLogger.Sugar()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := dialSession(ctx, cfg, args[0], log)
		if err != nil {
			return err
		}
		defer s.Close()

		var answer <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if s.cli.Streaming() {
					_ = s.cli.Stop()
				}
				return nil
			case <-answer:
				answer = nil
				if err := s.cli.Answer(); err != nil {
					return fmt.Errorf("answer: %w", err)
				}
				s.log.Infow("call answered")
			case ev, ok := <-s.cli.Events():
				if !ok {
					return nil
				}
				switch ev.Type {
				case client.EventAudio:
					s.play(ev.Audio)
				case client.EventStart:
					s.log.Infow("incoming call", "caller", ev.Caller)
					if peerAutoAnswer {
						answer = time.After(peerAnswerDelay)
					}
				case client.EventStop:
					answer = nil
					s.log.Infow("call ended by device")
				case client.EventError:
					answer = nil
					s.log.Warnw("device reported an error", "code", ev.Code.String())
				case client.EventDisconnected:
					return fmt.Errorf("connection lost: %w", ev.Err)
				}
			}
		}
	},
}

func init() {
	peerCmd.Flags().BoolVar(&peerAutoAnswer, "auto-answer", true, "answer incoming calls")
	peerCmd.Flags().DurationVar(&peerAnswerDelay, "answer-delay", 2*time.Second, "wait before answering")
}
