package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTemplatesArePure(t *testing.T) {
	d := Data{
		AppointmentID:   "a-1",
		RecipientName:   "Sam",
		CounterpartName: "Lee",
		Recipient:       RecipientPatient,
		ScheduledAt:     time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC),
		DurationMinutes: 45,
		StatusURL:       "https://app.test/appointments/a-1",
	}

	for _, event := range []Event{EventConfirmed, EventCancelled, EventFailed} {
		tmpl := TemplateFor(event)
		if assert.NotNil(t, tmpl, event) {
			assert.Equal(t, tmpl(d), tmpl(d), event)
		}
	}
	assert.Nil(t, TemplateFor("reminder"))
}

func TestConfirmedTemplate(t *testing.T) {
	msg := ConfirmedTemplate(Data{
		AppointmentID:   "a-1",
		RecipientName:   "Sam",
		CounterpartName: "Lee",
		Recipient:       RecipientPatient,
		ScheduledAt:     time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC),
		DurationMinutes: 45,
		StatusURL:       "https://app.test/appointments/a-1",
	})

	assert.Equal(t, "Video visit confirmed for Monday, May 4 at 2:00 PM UTC", msg.Subject)
	assert.Contains(t, msg.HTML, "Hi Sam")
	assert.Contains(t, msg.HTML, "Dr. Lee")
	assert.Contains(t, msg.HTML, "45 minute")
	assert.Contains(t, msg.HTML, `href="https://app.test/appointments/a-1"`)
	assert.True(t, strings.HasSuffix(msg.SMS, "Join: https://app.test/appointments/a-1"))
}

func TestTemplateAddressesDoctorByPatientName(t *testing.T) {
	msg := CancelledTemplate(Data{RecipientName: "Dr Lee", CounterpartName: "Sam", Recipient: RecipientDoctor})

	assert.Contains(t, msg.SMS, "with Sam")
	assert.NotContains(t, msg.SMS, "Dr. Sam")
	assert.Contains(t, msg.SMS, "the scheduled time")
}

func TestTemplateEscapesHTML(t *testing.T) {
	msg := FailedTemplate(Data{
		RecipientName: `<script>alert(1)</script>`,
		Recipient:     RecipientPatient,
		Reason:        "provider said <no>",
	})

	assert.NotContains(t, msg.HTML, "<script>")
	assert.Contains(t, msg.HTML, "&lt;script&gt;")
	assert.Contains(t, msg.HTML, "provider said &lt;no&gt;")
	assert.Contains(t, msg.SMS, "your doctor")
}

func TestPlainText(t *testing.T) {
	got := plainText("<div>\n<h2>Hello</h2>\n\n\n<p>Tom &amp; Jerry</p>\n</div>")
	assert.Equal(t, "Hello\n\nTom & Jerry", got)
}
