package mailinglist

import (
	"net/smtp"

	"github.com/pkg/errors"

	"github.com/daedaleanai/mlbridge/email"
)

// SMTPTransport delivers mail through a plain SMTP server.
type SMTPTransport struct {
	addr string
}

var _ Transport = &SMTPTransport{}

// NewSMTPTransport uses the server at addr ("host:port").
func NewSMTPTransport(addr string) *SMTPTransport {
	return &SMTPTransport{addr: addr}
}

func (t *SMTPTransport) Send(mail *email.Email) error {
	recipients := make([]string, len(mail.To))
	for i, to := range mail.To {
		recipients[i] = to.Address
	}

	err := smtp.SendMail(t.addr, nil, mail.From.Address, recipients, []byte(mail.Render()))
	return errors.Wrapf(err, "unable to send %s", mail.MessageID)
}
