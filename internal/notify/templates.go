package notify

import (
	"fmt"
	"html"
	"strings"
	"time"
)

// Data is everything a template may render. Templates never look anything up.
type Data struct {
	AppointmentID   string
	RecipientName   string
	CounterpartName string
	Recipient       Recipient
	ScheduledAt     time.Time
	DurationMinutes int
	StatusURL       string
	Reason          string
}

// Message is rendered content for both channels.
type Message struct {
	Subject string
	HTML    string
	SMS     string
}

// Template renders appointment data into message content.
type Template func(Data) Message

func TemplateFor(event Event) Template {
	switch event {
	case EventConfirmed:
		return ConfirmedTemplate
	case EventCancelled:
		return CancelledTemplate
	case EventFailed:
		return FailedTemplate
	default:
		return nil
	}
}

func ConfirmedTemplate(d Data) Message {
	when := formatWhen(d.ScheduledAt)
	with := counterpart(d)

	body := fmt.Sprintf(`<div style="font-family: sans-serif; max-width: 600px;">
<h2 style="color: #0f766e;">Your video visit is confirmed</h2>
<p>Hi %s,</p>
<p>Your %d minute video visit with %s is booked for <strong>%s</strong>.</p>
%s
<p style="color: #6b7280; font-size: 12px;">Reference %s</p>
</div>`,
		html.EscapeString(greetingName(d)),
		d.DurationMinutes,
		html.EscapeString(with),
		html.EscapeString(when),
		joinParagraph(d.StatusURL),
		html.EscapeString(d.AppointmentID),
	)

	sms := fmt.Sprintf("Video visit with %s confirmed for %s (%d min).", with, when, d.DurationMinutes)
	if d.StatusURL != "" {
		sms += " Join: " + d.StatusURL
	}

	return Message{
		Subject: fmt.Sprintf("Video visit confirmed for %s", when),
		HTML:    body,
		SMS:     sms,
	}
}

func CancelledTemplate(d Data) Message {
	when := formatWhen(d.ScheduledAt)
	with := counterpart(d)

	body := fmt.Sprintf(`<div style="font-family: sans-serif; max-width: 600px;">
<h2 style="color: #b91c1c;">Your video visit was cancelled</h2>
<p>Hi %s,</p>
<p>The video visit with %s scheduled for <strong>%s</strong> has been cancelled. The time slot is free again.</p>
<p style="color: #6b7280; font-size: 12px;">Reference %s</p>
</div>`,
		html.EscapeString(greetingName(d)),
		html.EscapeString(with),
		html.EscapeString(when),
		html.EscapeString(d.AppointmentID),
	)

	return Message{
		Subject: fmt.Sprintf("Video visit on %s cancelled", when),
		HTML:    body,
		SMS:     fmt.Sprintf("Your video visit with %s on %s was cancelled.", with, when),
	}
}

func FailedTemplate(d Data) Message {
	when := formatWhen(d.ScheduledAt)
	with := counterpart(d)

	reason := ""
	if d.Reason != "" {
		reason = fmt.Sprintf(`<p style="color: #6b7280;">Details: %s</p>`, html.EscapeString(d.Reason))
	}

	body := fmt.Sprintf(`<div style="font-family: sans-serif; max-width: 600px;">
<h2 style="color: #b91c1c;">We could not set up your video visit</h2>
<p>Hi %s,</p>
<p>Something went wrong preparing the video room for your visit with %s on <strong>%s</strong>. The booking has been released; please book a new time.</p>
%s
<p style="color: #6b7280; font-size: 12px;">Reference %s</p>
</div>`,
		html.EscapeString(greetingName(d)),
		html.EscapeString(with),
		html.EscapeString(when),
		reason,
		html.EscapeString(d.AppointmentID),
	)

	return Message{
		Subject: "We could not set up your video visit",
		HTML:    body,
		SMS:     fmt.Sprintf("We could not set up your video visit with %s on %s. Please book a new time.", with, when),
	}
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "the scheduled time"
	}
	return t.UTC().Format("Monday, January 2 at 3:04 PM MST")
}

func greetingName(d Data) string {
	if name := strings.TrimSpace(d.RecipientName); name != "" {
		return name
	}
	return "there"
}

func counterpart(d Data) string {
	name := strings.TrimSpace(d.CounterpartName)
	if d.Recipient == RecipientPatient {
		if name == "" {
			return "your doctor"
		}
		return "Dr. " + name
	}
	if name == "" {
		return "your patient"
	}
	return name
}

func joinParagraph(url string) string {
	if url == "" {
		return ""
	}
	escaped := html.EscapeString(url)
	return fmt.Sprintf(`<p><a href="%s" style="background: #0f766e; color: #fff; padding: 10px 16px; border-radius: 4px; text-decoration: none;">Open visit</a></p>`, escaped)
}
