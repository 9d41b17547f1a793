// Relay delivery. Spec scopes "SMTP relay configuration" out, so this is
// deliberately thin: a pluggable interface plus a console fallback used
// whenever no relay is configured, matching spec section 4.4 step 5.
package email

import (
	"fmt"
	"net/smtp"

	"github.com/sirupsen/logrus"
)

// Relay sends a verification code to an address. Implementations must be
// safe for concurrent use.
type Relay interface {
	Send(to, fromAddress, replyTo, code string) error
}

// ConsoleRelay writes the code to the log instead of sending mail, used
// when [email].relay is unset.
type ConsoleRelay struct {
	Log *logrus.Logger
}

func (c ConsoleRelay) Send(to, fromAddress, replyTo, code string) error {
	c.Log.WithFields(logrus.Fields{"to": to, "code": code}).Info("email: verification code (console relay, no SMTP configured)")
	return nil
}

// SMTPRelay sends via a configured SMTP server using stdlib net/smtp,
// authenticated with the identity/secret pair from
// [email.smtp_credentials]. There is no SMTP client library anywhere in
// the example corpus; net/smtp is the idiomatic minimal choice here, and
// the spec explicitly scopes detailed relay configuration out.
type SMTPRelay struct {
	Addr     string
	Identity string
	Secret   string
}

func (s SMTPRelay) Send(to, fromAddress, replyTo, code string) error {
	auth := smtp.PlainAuth(s.Identity, fromAddress, s.Secret, hostOf(s.Addr))
	subject := "Your Right to Ask verification code"
	body := fmt.Sprintf("Subject: %s\r\nFrom: %s\r\nReply-To: %s\r\nTo: %s\r\n\r\nYour verification code is: %s\r\n",
		subject, fromAddress, replyTo, to, code)
	return smtp.SendMail(s.Addr, auth, fromAddress, []string{to}, []byte(body))
}

func hostOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
