package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smart-health/audit-api/internal/ingest"
	"github.com/smart-health/audit-api/internal/messaging"
)

var (
	publishFamily    string
	publishTransport string
	publishKey       string
)

var publishCmd = &cobra.Command{
	Use:   "publish [file]",
	Short: "Publish an event envelope to the appointments or payments feed",
	Long: `publish sends one JSON envelope to the feed the audit daemon consumes.
The envelope is read from file, or from stdin when no file is given, and
is checked the same way the daemon normalises it before it is sent.

  auditctl publish --family payments payment.json
  echo '{"eventType":"AppointmentCreated","appointmentId":"A1"}' | auditctl publish --transport kafka`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVar(&publishFamily, "family", ingest.FamilyAppointments, "Envelope family: appointments or payments")
	publishCmd.Flags().StringVar(&publishTransport, "transport", "rabbitmq", "Broker: rabbitmq or kafka")
	publishCmd.Flags().StringVar(&publishKey, "key", "", "Routing key (RabbitMQ) or message key (Kafka); defaults to the event type or aggregate id")
}

func runPublish(cmd *cobra.Command, args []string) error {
	var (
		body []byte
		err  error
	)
	if len(args) == 1 {
		body, err = os.ReadFile(args[0])
	} else {
		body, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("read envelope: %w", err)
	}

	family, err := ingest.FamilyByName(publishFamily)
	if err != nil {
		return err
	}
	event, err := family.Normalize(body, ingest.Resolver{})
	if err != nil {
		return err
	}

	logger := newLogger()
	defer logger.Sync() //nolint:errcheck

	var pub messaging.Publisher
	key := publishKey
	switch publishTransport {
	case "rabbitmq":
		exchange := viper.GetString("rabbitmq." + family.Name() + "_exchange")
		pub, err = messaging.NewRabbitMQPublisher(viper.GetString("rabbitmq.url"), exchange, logger)
		if err != nil {
			return err
		}
		if key == "" {
			key = event.EventType
		}
	case "kafka":
		topic := viper.GetString("kafka." + family.Name() + "_topic")
		pub = messaging.NewKafkaPublisher(viper.GetStringSlice("kafka.brokers"), topic, logger)
		if key == "" {
			// Keyed by aggregate so one aggregate's events stay ordered.
			key = event.AggregateID
		}
	default:
		return fmt.Errorf("unknown transport %q (want rabbitmq or kafka)", publishTransport)
	}
	defer pub.Close() //nolint:errcheck

	if err := pub.Publish(cmd.Context(), key, body); err != nil {
		return err
	}
	fmt.Printf("✓ published %s %s (%s)\n", event.EventType, event.AggregateID, publishTransport)
	return nil
}
