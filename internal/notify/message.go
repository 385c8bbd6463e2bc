package notify

import (
	"fmt"
	"html"
	"strconv"
	"strings"
)

// DefaultProduct names the monitoring system in message bodies
const DefaultProduct = "Sensor Monitor"

// dateLayout is the site time format used in messages
const dateLayout = "02/01/06 15:04"

// Message is the composed content of a notification
type Message struct {
	Subject   string
	AlertText string
	HTML      string
	SMS       string
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Compose renders the subject and bodies for an event
func Compose(product string, ev Event) Message {
	if product == "" {
		product = DefaultProduct
	}
	date := ev.Time.Format(dateLayout)

	var subject, alertText string
	if ev.Started() {
		subject = fmt.Sprintf("PROBLEM - %s: Alert Started on %s", ev.Place, ev.Alias)
		alertText = fmt.Sprintf("%s %s by %s%s at %s. Please check.",
			ev.SensorVar, ev.Direction, formatValue(ev.Value), ev.UOM, date)
	} else {
		subject = fmt.Sprintf("RECOVERY - %s: Alert Finished on %s", ev.Place, ev.Alias)
		alertText = fmt.Sprintf("%s %s finished by %s%s at %s. Please check.",
			ev.SensorVar, ev.Direction, formatValue(ev.Value), ev.UOM, date)
	}

	footer := []string{
		fmt.Sprintf("This message is generated by Automatic Alarm Monitoring on %s.", product),
		fmt.Sprintf("Site time: %s.", date),
		fmt.Sprintf("You are receiving this message because you are registered to receive alarms from %s.", product),
		"To stop receiving these alerts, please disable or remove yourself from the recipients channel in the admin view.",
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Email %s]: %s in %s (%s)<br>\n", html.EscapeString(product),
		html.EscapeString(alertText), html.EscapeString(ev.Alias), html.EscapeString(ev.Place))
	for _, line := range footer {
		fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(line))
	}

	sms := fmt.Sprintf("[SMS %s]: %s in %s (%s)\n%s", product, alertText, ev.Alias, ev.Place,
		strings.Join(footer, "\n"))

	return Message{
		Subject:   subject,
		AlertText: alertText,
		HTML:      b.String(),
		SMS:       sms,
	}
}
