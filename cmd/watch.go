package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"

	es "github.com/iandyh/eventsource"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	watchURL   string
	watchTypes []string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the live message stream of a running sqlstress server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return watch(ctx, watchURL, watchTypes, func(line string) {
			fmt.Fprintln(cmd.OutOrStdout(), line)
		})
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "http://localhost:8080/api/stream", "stream endpoint")
	watchCmd.Flags().StringSliceVar(&watchTypes, "type", nil,
		"only print these message types (heartbeat, executionBoundary, extendedEventData, executionMetrics)")
}

// watch subscribes to the stream at url and hands every message whose type is
// in types, or every message when types is empty, to out.
func watch(ctx context.Context, url string, types []string, out func(string)) error {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	req = req.WithContext(ctx)
	stream, err := es.SubscribeWith("", &http.Client{}, req)
	if err != nil {
		return err
	}
	defer stream.Close()
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[strings.TrimSpace(t)] = true
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream.Events:
			if !ok {
				return nil
			}
			if len(want) > 0 && !want[ev.Event()] {
				continue
			}
			out(ev.Data())
		case err, ok := <-stream.Errors:
			if !ok {
				return nil
			}
			log.Warnf("stream error: %v", err)
		}
	}
}
