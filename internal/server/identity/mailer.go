package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/segmentio/kafka-go"
)

// VerificationMail is the request handed to the mail delivery pipeline.
type VerificationMail struct {
	IdentityID string    `json:"identityId"`
	Email      string    `json:"email"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Reminder   bool      `json:"reminder,omitempty"`
}

// Mailer delivers verification mail requests.
type Mailer interface {
	SendVerification(ctx context.Context, mail VerificationMail) error
}

// MessageWriter is the subset of *kafka.Writer used by KafkaMailer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaMailer publishes one JSON message per request, keyed by identity id,
// for the external mail sender to consume.
type KafkaMailer struct {
	w MessageWriter
}

func NewKafkaMailer(w MessageWriter) *KafkaMailer {
	return &KafkaMailer{w: w}
}

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
}

func (m *KafkaMailer) SendVerification(ctx context.Context, mail VerificationMail) error {
	value, err := json.Marshal(mail)
	if err != nil {
		return fmt.Errorf("encoding verification mail: %w", err)
	}
	msg := kafka.Message{Key: []byte(mail.IdentityID), Value: value, Time: time.Now()}
	if err := m.w.WriteMessages(ctx, msg); err != nil {
		return common.Transient("mail.publish", err)
	}
	return nil
}

// LogMailer only logs requests; used when no broker is configured.
type LogMailer struct {
	logger logging.Logger
}

func NewLogMailer(logger logging.Logger) *LogMailer {
	return &LogMailer{logger: logger.With("module", "mailer")}
}

func (m *LogMailer) SendVerification(ctx context.Context, mail VerificationMail) error {
	m.logger.Info(ctx, "verification mail requested", "identity", mail.IdentityID, "reminder", mail.Reminder)
	return nil
}
