package events

import (
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// StepPrinterFunc returns a handler printing streamed text to w. name, when
// set, is printed once before the first delta.
func StepPrinterFunc(name string, w io.Writer) func(msg *message.Message) error {
	isFirst := true

	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("message_id", msg.UUID).Msg("skipping undecodable event")
			return nil
		}

		switch p_ := e.(type) {
		case *EventPartialCompletion:
			if isFirst && name != "" {
				isFirst = false
				if _, err := fmt.Fprintf(w, "\n%s: \n", name); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintf(w, "%s", p_.Delta); err != nil {
				return err
			}

		case *EventFinal:
			// without streaming the final event is the only one carrying text
			if isFirst {
				isFirst = false
				if name != "" {
					if _, err := fmt.Fprintf(w, "\n%s: \n", name); err != nil {
						return err
					}
				}
				if _, err := fmt.Fprintf(w, "%s", p_.Text); err != nil {
					return err
				}
			}
			if !strings.HasSuffix(p_.Text, "\n") {
				if _, err := fmt.Fprintln(w); err != nil {
					return err
				}
			}

		case *EventInterrupt:
			if _, err := fmt.Fprintf(w, "\n[interrupted]\n"); err != nil {
				return err
			}

		case *EventError:
			if _, err := fmt.Fprintf(w, "\n[error] %s\n", p_.ErrorString); err != nil {
				return err
			}

		case *EventStart:
		}

		return nil
	}
}
