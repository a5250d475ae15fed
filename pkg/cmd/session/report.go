package session

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/mpapenbr/sprint-relay/pkg/model"
	"github.com/mpapenbr/sprint-relay/pkg/presence"
)

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}

func legName(sess *model.Session, legIndex int) string {
	from := 0
	if legIndex > 0 && legIndex-1 < len(sess.Distances) {
		from = sess.Distances[legIndex-1]
	}
	to := 0
	if legIndex < len(sess.Distances) {
		to = sess.Distances[legIndex]
	}
	return fmt.Sprintf("%dm-%dm", from, to)
}

func writeLeg(w io.Writer, sess *model.Session, l *model.Leg) {
	if d, ok := l.Duration(); ok {
		fmt.Fprintf(w, "leg %d %s: %s\n", l.LegIndex, legName(sess, l.LegIndex), formatDuration(d))
		return
	}
	fmt.Fprintf(w, "leg %d %s: running\n", l.LegIndex, legName(sess, l.LegIndex))
}

func writeDevices(w io.Writer, devices []model.Presence, minVersion string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tSTATE\tVERSION\tSEEN\t")
	for _, d := range devices {
		state := d.State
		if d.Error != "" {
			state = fmt.Sprintf("%s (%s)", d.State, d.Error)
		}
		ver := d.Version
		if presence.Outdated(d, minVersion) {
			ver += " (outdated)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n",
			d.Device, state, ver, d.Timestamp.Local().Format(time.TimeOnly))
	}
	//nolint:errcheck // console output
	tw.Flush()
}

func writeSummary(w io.Writer, sess *model.Session, sum model.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "LEG\tSECTION\tSPLIT\tTOTAL\t")
	for _, sp := range sum.Splits {
		split, total := "-", "-"
		if sp.Closed {
			split = formatDuration(sp.Duration)
			total = formatDuration(sp.Cumulative)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t\n", sp.LegIndex, legName(sess, sp.LegIndex), split, total)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if sum.Complete {
		_, err := fmt.Fprintf(w, "finished in %s\n", formatDuration(sum.Total))
		return err
	}
	_, err := fmt.Fprintln(w, "run not finished")
	return err
}
