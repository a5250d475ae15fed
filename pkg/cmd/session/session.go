package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/cmd/util"
	"github.com/mpapenbr/sprint-relay/pkg/config"
	"github.com/mpapenbr/sprint-relay/pkg/model"
	presencenats "github.com/mpapenbr/sprint-relay/pkg/presence/nats"
	"github.com/mpapenbr/sprint-relay/pkg/relay"
	relaynats "github.com/mpapenbr/sprint-relay/pkg/relay/nats"
	"github.com/mpapenbr/sprint-relay/pkg/store"
	pgstore "github.com/mpapenbr/sprint-relay/pkg/store/postgres"
)

var sessCfg config.SessionConfig

func NewSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "operator commands for sprint sessions",
	}
	cmd.AddCommand(newCreateCmd(), newResetCmd(), newWatchCmd(), newResultsCmd())
	return cmd
}

func addSessionFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&sessCfg.SessionCode, "session", "s", "", "session code")
	//nolint:errcheck // flag exists
	cmd.MarkFlagRequired("session")
}

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "creates a session and prints its code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return createSession(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&sessCfg.Distances, "distances", "d", "",
		"comma separated markers in meters, e.g. 30,60,100")
	//nolint:errcheck // flag exists
	cmd.MarkFlagRequired("distances")
	return cmd
}

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "resets all devices of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return resetSession(cmd.Context())
		},
	}
	addSessionFlag(cmd)
	return cmd
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "shows present devices and splits while the relay runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchSession(cmd.Context())
		},
	}
	addSessionFlag(cmd)
	cmd.Flags().StringVar(&sessCfg.MinDeviceVersion, "min-device-version", "",
		"flag devices running an older version")
	return cmd
}

func newResultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "prints the splits of the latest run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showResults(cmd.Context())
		},
	}
	addSessionFlag(cmd)
	return cmd
}

func notifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func createSession(ctx context.Context) error {
	distances, err := model.ParseDistances(sessCfg.Distances)
	if err != nil {
		return err
	}
	env, err := util.SetupEnv(ctx, "session create", util.Services{DB: true})
	if err != nil {
		return err
	}
	defer env.Close()

	st := pgstore.New(env.Pool, pgstore.WithLogger(env.Logger.Named("store")))
	sess, err := st.CreateSession(ctx, distances)
	if err != nil {
		return err
	}
	env.Logger.Info("session created",
		log.Int64("id", sess.ID),
		log.String("session", sess.Code),
		log.Ints("distances", sess.Distances))
	fmt.Println(sess.Code)
	return nil
}

func resetSession(ctx context.Context) error {
	env, err := util.SetupEnv(ctx, "session reset", util.Services{DB: true, Nats: true})
	if err != nil {
		return err
	}
	defer env.Close()

	st := pgstore.New(env.Pool, pgstore.WithLogger(env.Logger.Named("store")))
	sess, err := st.JoinSession(ctx, sessCfg.SessionCode)
	if err != nil {
		return err
	}
	ch := relaynats.NewChannel(env.Nats, sess.Code,
		relaynats.WithLogger(env.Logger.Named("relay")))
	defer ch.Close()
	if err := ch.Publish(ctx, relay.Reset()); err != nil {
		return err
	}
	env.Logger.Info("reset sent", log.String("session", sess.Code))
	return nil
}

//nolint:funlen // event loop
func watchSession(ctx context.Context) error {
	ctx, stop := notifyContext(ctx)
	defer stop()
	env, err := util.SetupEnv(ctx, "session watch", util.Services{DB: true, Nats: true})
	if err != nil {
		return err
	}
	defer env.Close()
	logger := env.Logger.Named("watch")

	st := pgstore.New(env.Pool, pgstore.WithLogger(logger.Named("store")))
	sess, err := st.JoinSession(ctx, sessCfg.SessionCode)
	if err != nil {
		return err
	}
	pres, err := presencenats.New(ctx, env.Nats, sess.Code,
		presencenats.WithLogger(logger.Named("presence")))
	if err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	devices, err := pres.Watch(ctx)
	if err != nil {
		return err
	}
	legs, cancel, err := st.SubscribeToLeg(ctx, sess.ID, store.AllLegs)
	if err != nil {
		return err
	}
	defer cancel()

	fmt.Printf("session %s, markers %v\n", sess.Code, sess.Distances)
	for {
		select {
		case <-ctx.Done():
			return nil
		case list, ok := <-devices:
			if !ok {
				devices = nil
				continue
			}
			writeDevices(os.Stdout, list, sessCfg.MinDeviceVersion)
		case l, ok := <-legs:
			if !ok {
				return nil
			}
			writeLeg(os.Stdout, sess, l)
			if l.Closed() && sess.IsLastMarker(sess.Distances[l.LegIndex]) {
				if err := printSummary(ctx, st, sess); err != nil {
					logger.Warn("could not load results", log.ErrorField(err))
				}
			}
		}
	}
}

func showResults(ctx context.Context) error {
	env, err := util.SetupEnv(ctx, "session results", util.Services{DB: true})
	if err != nil {
		return err
	}
	defer env.Close()

	st := pgstore.New(env.Pool, pgstore.WithLogger(env.Logger.Named("store")))
	sess, err := st.JoinSession(ctx, sessCfg.SessionCode)
	if err != nil {
		return err
	}
	return printSummary(ctx, st, sess)
}

func printSummary(ctx context.Context, st store.Store, sess *model.Session) error {
	legs, err := st.Legs(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(legs) == 0 {
		return errors.New("no legs recorded yet")
	}
	return writeSummary(os.Stdout, sess, model.Summarize(sess, legs))
}
