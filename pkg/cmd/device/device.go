package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/camera"
	"github.com/mpapenbr/sprint-relay/pkg/cmd/util"
	"github.com/mpapenbr/sprint-relay/pkg/config"
	"github.com/mpapenbr/sprint-relay/pkg/device"
	"github.com/mpapenbr/sprint-relay/pkg/model"
	"github.com/mpapenbr/sprint-relay/pkg/motion"
	"github.com/mpapenbr/sprint-relay/pkg/presence"
	presencenats "github.com/mpapenbr/sprint-relay/pkg/presence/nats"
	relaynats "github.com/mpapenbr/sprint-relay/pkg/relay/nats"
	pgstore "github.com/mpapenbr/sprint-relay/pkg/store/postgres"
)

var devCfg config.DeviceConfig

// roleFunc derives the role once the session is known
type roleFunc func(s *model.Session) (model.Role, error)

func NewDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "runs a timing device of a sprint session",
	}
	cmd.PersistentFlags().StringVarP(&devCfg.SessionCode, "session", "s", "",
		"code of the session to join")
	cmd.PersistentFlags().StringVar(&devCfg.DeviceLabel, "camera-label", "",
		"use the camera whose label contains this value")
	cmd.PersistentFlags().StringVar(&devCfg.FacingMode, "facing-mode",
		camera.FacingEnvironment, "camera facing mode (environment, user)")
	cmd.PersistentFlags().IntVar(&devCfg.Width, "width", 640, "capture width")
	cmd.PersistentFlags().IntVar(&devCfg.Height, "height", 480, "capture height")
	cmd.PersistentFlags().Float64Var(&devCfg.FrameRate, "frame-rate", 15, "capture frame rate")
	cmd.PersistentFlags().Uint8Var(&devCfg.Threshold, "threshold", 30,
		"luminance delta of a pixel to count as changed")
	cmd.PersistentFlags().IntVar(&devCfg.MinMotionPixels, "min-motion-pixels", 40,
		"changed pixels required to detect motion")
	cmd.PersistentFlags().DurationVar(&devCfg.SampleInterval, "sample-interval",
		50*time.Millisecond, "interval between two sampled frames")
	cmd.PersistentFlags().DurationVar(&devCfg.Heartbeat, "heartbeat",
		presence.DefaultHeartbeat, "interval of presence announcements")
	cmd.PersistentFlags().DurationVar(&devCfg.RetryDelay, "retry-delay",
		500*time.Millisecond, "pause before retrying a failed leg update")
	//nolint:errcheck // flag exists
	cmd.MarkPersistentFlagRequired("session")

	cmd.AddCommand(newStartCmd(), newCheckpointCmd(), newFinishCmd())
	return cmd
}

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "runs the start gate. It originates the relay when armed",
		Long: `runs the start gate.
The device is armed with --auto-arm or by sending SIGUSR1 to the process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd.Context(), "start", func(*model.Session) (model.Role, error) {
				return model.StartRole(), nil
			})
		},
	}
	cmd.Flags().BoolVar(&devCfg.AutoArm, "auto-arm", false,
		"arm when the camera is ready and after each reset")
	return cmd
}

func newCheckpointCmd() *cobra.Command {
	var distance int
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "runs an intermediate gate at one marker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd.Context(), "checkpoint", func(*model.Session) (model.Role, error) {
				return model.IntermediateRole(distance), nil
			})
		},
	}
	cmd.Flags().IntVarP(&distance, "distance", "d", 0, "marker of this gate in meters")
	//nolint:errcheck // flag exists
	cmd.MarkFlagRequired("distance")
	return cmd
}

func newFinishCmd() *cobra.Command {
	var distances string
	cmd := &cobra.Command{
		Use:   "finish",
		Short: "runs the finish gate. It may own several trailing markers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd.Context(), "finish", func(s *model.Session) (model.Role, error) {
				if distances == "" {
					return model.FinishRole(s.Distances[len(s.Distances)-1]), nil
				}
				owned, err := model.ParseDistances(distances)
				if err != nil {
					return model.Role{}, err
				}
				return model.FinishRole(owned...), nil
			})
		},
	}
	cmd.Flags().StringVarP(&distances, "distances", "d", "",
		"comma separated markers owned by this gate (default: last marker)")
	return cmd
}

//nolint:funlen // wiring
func runDevice(ctx context.Context, name string, roleFor roleFunc) error {
	if devCfg.SampleInterval <= 0 {
		return fmt.Errorf("sample-interval must be positive, got %s", devCfg.SampleInterval)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := util.SetupEnv(ctx, "device "+name, util.Services{DB: true, Nats: true})
	if err != nil {
		return err
	}
	defer env.Close()
	logger := env.Logger.Named("device")

	st := pgstore.New(env.Pool, pgstore.WithLogger(logger.Named("store")))
	sess, err := st.JoinSession(ctx, devCfg.SessionCode)
	if err != nil {
		return err
	}
	if sess.Status == model.SessionCompleted {
		logger.Warn("session already completed, a reset starts a new run",
			log.String("session", sess.Code))
	}
	role, err := roleFor(sess)
	if err != nil {
		return err
	}

	ch := relaynats.NewChannel(env.Nats, sess.Code, relaynats.WithLogger(logger.Named("relay")))
	defer ch.Close()
	pres, err := presencenats.New(ctx, env.Nats, sess.Code,
		presencenats.WithLogger(logger.Named("presence")))
	if err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	instanceID := uuid.NewString()
	cam := camera.NewMediaDevices(
		camera.WithResolution(devCfg.Width, devCfg.Height),
		camera.WithFrameRate(devCfg.FrameRate),
		camera.WithDeviceLabel(devCfg.DeviceLabel),
		camera.WithLogger(logger.Named("camera")),
	)
	ctrl, err := device.NewController(role, sess,
		device.WithCamera(cam),
		device.WithFacingMode(devCfg.FacingMode),
		device.WithDetectorFactory(device.MotionDetectorFactory(
			motion.WithThreshold(devCfg.Threshold),
			motion.WithMinMotionPixels(devCfg.MinMotionPixels),
			motion.WithInterval(devCfg.SampleInterval),
			motion.WithLogger(logger.Named("motion")),
		)),
		device.WithChannel(ch),
		device.WithStore(st),
		device.WithReporter(pres.Reporter(instanceID)),
		device.WithLogger(logger),
		device.WithAutoArm(devCfg.AutoArm),
		device.WithHeartbeat(devCfg.Heartbeat),
		device.WithRetryDelay(devCfg.RetryDelay),
		device.WithStatusListener(func(s device.Status) {
			fields := []log.Field{log.String("state", s.State.String())}
			if len(s.Completed) > 0 {
				fields = append(fields, log.Ints("completed", s.Completed))
			}
			if s.Err != nil {
				fields = append(fields, log.ErrorField(s.Err))
			}
			logger.Info("device status", fields...)
		}),
	)
	if err != nil {
		return err
	}
	logger.Info("joined session",
		log.String("session", sess.Code),
		log.Ints("distances", sess.Distances),
		log.String("role", role.Label()),
		log.String("instance", instanceID))

	go handleSignals(ctx, ctrl, logger)
	if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// handleSignals maps SIGHUP to a camera restart and SIGUSR1 to arming the
// start device.
func handleSignals(ctx context.Context, ctrl *device.Controller, logger *log.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigs)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				if err := ctrl.RestartCamera(ctx); err != nil {
					logger.Error("camera restart failed", log.ErrorField(err))
				}
			case syscall.SIGUSR1:
				if err := ctrl.Arm(); err != nil {
					logger.Warn("could not arm", log.ErrorField(err))
				}
			}
		}
	}
}
