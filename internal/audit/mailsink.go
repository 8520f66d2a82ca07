package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dropDatabas3/credcore/internal/observability/logger"
	mail "github.com/go-mail/mail"
)

// MailSink alerta por email los eventos críticos (rotación forzada,
// token reuse detectado, revocación masiva). Eventos info/warning se ignoran.
//
// El envío es best-effort y asincrónico: un SMTP caído jamás debe frenar
// un verify. Errores se loguean y se descartan (fail open).
type MailSink struct {
	Host string
	Port int
	From string
	To   string
	User string
	Pass string
}

// NewMailSink crea un MailSink.
func NewMailSink(host string, port int, from, to, user, pass string) *MailSink {
	return &MailSink{Host: host, Port: port, From: from, To: to, User: user, Pass: pass}
}

func (s *MailSink) Record(ctx context.Context, e Event) {
	if e.Severity != SeverityCritical {
		return
	}
	go s.send(e)
}

func (s *MailSink) send(e Event) {
	log := logger.Named("audit.mail")

	body, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		log.Warn("marshal event", logger.Err(err))
		return
	}

	m := mail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", s.To)
	m.SetHeader("Subject", fmt.Sprintf("[credcore] critical: %s", e.Type))
	m.SetBody("text/plain", string(body))

	d := mail.NewDialer(s.Host, s.Port, s.User, s.Pass)
	if err := d.DialAndSend(m); err != nil {
		// Fail open: el alerting nunca corta el request path.
		log.Warn("send alert mail",
			logger.String("event_type", e.Type),
			logger.Err(err),
		)
	}
}
