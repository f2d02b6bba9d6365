package dialogue

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/hostline/internal/capacity"
	"github.com/MrWong99/hostline/internal/store"
)

var germanWeekdays = [...]string{"Sonntag", "Montag", "Dienstag", "Mittwoch", "Donnerstag", "Freitag", "Samstag"}

// SystemPrompt builds the system message for a call from the tenant settings
// and today's date in the tenant's time zone. It is built once per call.
func SystemPrompt(t *store.TenantSettings, today time.Time) string {
	if strings.HasPrefix(strings.ToLower(t.Language), "en") {
		return englishPrompt(t, today)
	}
	return germanPrompt(t, today)
}

func germanPrompt(t *store.TenantSettings, today time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Du bist die telefonische Reservierungsassistenz des Restaurants %q. ", t.Name)
	fmt.Fprintf(&b, "Heute ist %s, der %s.\n\n", germanWeekdays[today.Weekday()], today.Format(capacity.DateLayout))

	b.WriteString("Öffnungszeiten: ")
	b.WriteString(hoursText(t, "durchgehend geöffnet"))
	b.WriteString(".\n")
	if len(t.ClosedDays) > 0 {
		names := make([]string, len(t.ClosedDays))
		for i, d := range t.ClosedDays {
			names[i] = germanWeekdays[d]
		}
		fmt.Fprintf(&b, "Ruhetage: %s.\n", strings.Join(names, ", "))
	}

	b.WriteString(`
Regeln:
- Antworte kurz, freundlich und in gesprochener Sprache, höchstens zwei Sätze.
- Prüfe jede Anfrage mit check_availability, bevor du eine Zusage machst.
- Übergib Datumsangaben immer als JJJJ-MM-TT und Uhrzeiten als HH:MM. Wochentage beziehen sich immer auf den nächsten kommenden Tag dieses Namens.
- Wenn das Ergebnis is_past_date, is_closed_day oder outside_opening_hours meldet, erkläre das dem Gast freundlich und schlage eine Alternative vor.
- Buche erst mit create_reservation, wenn Datum, Uhrzeit, Personenzahl und Name bestätigt sind. Bestätige danach die Reservierung und verabschiede dich.
- Wenn du den Gast nicht verstehst, sage "Das habe ich leider nicht verstanden" und bitte um Wiederholung.
- Wenn der Gast etwas braucht, das du nicht erledigen kannst, sage "Ich verbinde Sie mit einem Mitarbeiter".
`)
	return b.String()
}

func englishPrompt(t *store.TenantSettings, today time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the phone reservation assistant of the restaurant %q. ", t.Name)
	fmt.Fprintf(&b, "Today is %s, %s.\n\n", today.Weekday(), today.Format(capacity.DateLayout))

	b.WriteString("Opening hours: ")
	b.WriteString(hoursText(t, "open all day"))
	b.WriteString(".\n")
	if len(t.ClosedDays) > 0 {
		names := make([]string, len(t.ClosedDays))
		for i, d := range t.ClosedDays {
			names[i] = d.String()
		}
		fmt.Fprintf(&b, "Closed on: %s.\n", strings.Join(names, ", "))
	}

	b.WriteString(`
Rules:
- Answer briefly and conversationally, two sentences at most.
- Check every request with check_availability before promising a table.
- Always pass dates as YYYY-MM-DD and times as HH:MM. Weekdays always mean the next upcoming day with that name.
- If the result reports is_past_date, is_closed_day or outside_opening_hours, explain it politely and offer an alternative.
- Only call create_reservation once date, time, party size and name are confirmed. Then confirm the booking and say goodbye.
- If you do not understand the guest, say "Sorry, I didn't understand that" and ask them to repeat.
- If the guest needs something you cannot do, say "I'll connect you with a member of staff".
`)
	return b.String()
}

func hoursText(t *store.TenantSettings, always string) string {
	if t.OpensAt == 0 && t.ClosesAt == 0 {
		return always
	}
	return capacity.FormatClock(t.OpensAt) + "–" + capacity.FormatClock(t.ClosesAt)
}
