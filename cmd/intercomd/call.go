package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"intercom/pkg/client"
)

var (
	callCaller   string
	callRing     bool
	callDuration time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <host:port>",
	Short: "Dial a device and stream local audio to it",
	Long: `Dial a device, send START and stream audio both ways until the
device stops, the duration elapses or the command is interrupted.

Audio comes from audio.input and goes to audio.output in the config file.

Examples:
  # Talk through the front door for ten seconds (audio.input.kind: tone)
  intercomd -c tone.yaml call frontdoor.local:6054 -d 10s

  # Ring the device and wait for someone to answer
  intercomd call 192.168.1.40:6054 --ring`,
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
		if callDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, callDuration)
			defer cancel()
		}

		caller := callCaller
		if caller == "" {
			caller = cfg.Intercom.DeviceName
		}

		s, err := dialSession(ctx, cfg, args[0], log)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.cli.Start(caller, !callRing); err != nil {
			return fmt.Errorf("start stream: %w", err)
		}
		s.log.Infow("call started", "caller", caller, "ring", callRing)

		for {
			select {
			case <-ctx.Done():
				if err := s.cli.Stop(); err != nil {
					s.log.Debugw("stop failed", "error", err)
				}
				s.log.Infow("call ended", "reason", "local")
				return nil
			case ev, ok := <-s.cli.Events():
				if !ok {
					return nil
				}
				switch ev.Type {
				case client.EventAudio:
					s.play(ev.Audio)
				case client.EventRing:
					s.log.Infow("device ringing")
				case client.EventAnswer:
					s.log.Infow("device answered")
				case client.EventStop:
					s.log.Infow("call ended", "reason", "remote_hangup")
					return nil
				case client.EventError:
					return fmt.Errorf("device refused the call: %s", ev.Code)
				case client.EventDisconnected:
					return fmt.Errorf("connection lost: %w", ev.Err)
				}
			}
		}
	},
}

func init() {
	callCmd.Flags().StringVar(&callCaller, "caller", "", "caller name sent with START (default intercom.device_name)")
	callCmd.Flags().BoolVar(&callRing, "ring", false, "ask the device to ring instead of streaming at once")
	callCmd.Flags().DurationVarP(&callDuration, "duration", "d", 0, "hang up after this long (0 waits for the device)")
}
