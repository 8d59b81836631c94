package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/indexsync/internal/client"
	"github.com/alfredjeanlab/indexsync/internal/events"
	"github.com/alfredjeanlab/indexsync/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream coordination notifications (joins, evictions, rebalances, failures)",
	Long: `Streams notifications from the server's event stream. With --nats the
notifications are read straight from NATS instead, which also shows agents
running in other processes.`,
	GroupID: "indexing",
	RunE: func(cmd *cobra.Command, args []string) error {
		topics, _ := cmd.Flags().GetStringSlice("topics")
		natsURL, _ := cmd.Flags().GetString("nats")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if natsURL != "" {
			return watchNATS(ctx, natsURL, topics)
		}
		return apiClient.Stream(ctx, topics, func(n client.Notification) error {
			printNotification(n.Topic, n.Data, time.Now())
			return nil
		})
	},
}

func init() {
	watchCmd.Flags().StringSlice("topics", nil, `topic patterns to follow, e.g. "indexsync.agent.*" (default all)`)
	watchCmd.Flags().String("nats", os.Getenv("INDEXSYNC_NATS_URL"), "read notifications from this NATS server")
}

func watchNATS(ctx context.Context, natsURL string, topics []string) error {
	sub, err := events.NewNATSSubscriber(natsURL,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("nats: disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Printf("nats: reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer sub.Close()

	if len(topics) == 0 {
		topics = []string{events.TopicAll}
	}
	merged := make(chan events.Message, 64)
	for _, topic := range topics {
		ch, cancel, err := sub.Subscribe(topic)
		if err != nil {
			return fmt.Errorf("subscribing to events: %w", err)
		}
		defer cancel()
		go func() {
			for msg := range ch {
				select {
				case merged <- msg:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-merged:
			printNotification(msg.Topic, msg.Data, time.Now())
		}
	}
}

func printNotification(topic string, data []byte, at time.Time) {
	if jsonOutput {
		fmt.Printf("{\"topic\":%q,\"data\":%s}\n", topic, compactJSON(data))
		return
	}
	fmt.Println(formatNotification(topic, data, at))
}

// formatNotification renders one notification as a single line: time, topic
// and the payload's tenant and reference when it carries them.
func formatNotification(topic string, data []byte, at time.Time) string {
	var head struct {
		Tenant    string `json:"tenant"`
		Reference string `json:"reference"`
	}
	_ = json.Unmarshal(data, &head)

	var b strings.Builder
	b.WriteString(ui.RenderMuted(at.Format(time.TimeOnly)))
	b.WriteString(" ")
	b.WriteString(renderTopic(topic))
	if head.Tenant != "" {
		b.WriteString(" tenant=" + head.Tenant)
	}
	if head.Reference != "" {
		b.WriteString(" agent=" + head.Reference)
	}
	b.WriteString(" ")
	b.WriteString(compactJSON(data))
	return b.String()
}

func renderTopic(topic string) string {
	switch topic {
	case events.TopicAgentEvicted, events.TopicEventAbandoned, events.TopicShardingConflict:
		return ui.RenderWarn(topic)
	default:
		return ui.RenderAccent(topic)
	}
}

func compactJSON(data []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return string(data)
	}
	return buf.String()
}
