// Package report builds and delivers the one-time intelligence report for a
// session, debounced so a burst of turns yields a single delivery.
package report

import (
	"fmt"

	"github.com/adjoshi/scamnet/internal/domain"
	"github.com/google/uuid"
)

// IntelligenceBuckets is the structured evidence section of the payload.
type IntelligenceBuckets struct {
	PhoneNumbers   []string `json:"phoneNumbers"`
	BankAccounts   []string `json:"bankAccounts"`
	UpiIDs         []string `json:"upiIds"`
	PhishingLinks  []string `json:"phishingLinks"`
	EmailAddresses []string `json:"emailAddresses"`
}

// EngagementMetrics summarizes how long the scammer was kept busy.
type EngagementMetrics struct {
	TotalMessagesExchanged    int `json:"totalMessagesExchanged"`
	EngagementDurationSeconds int `json:"engagementDurationSeconds"`
}

// Payload is the report delivered to the callback endpoint. Engagement
// metrics appear both at the root and nested; the receiving side has
// validated against both layouts.
type Payload struct {
	ReportID              string              `json:"reportId"`
	SessionID             string              `json:"sessionId"`
	Status                string              `json:"status"`
	ScamDetected          bool                `json:"scamDetected"`
	ScamType              string              `json:"scamType"`
	ExtractedIntelligence IntelligenceBuckets `json:"extractedIntelligence"`

	TotalMessagesExchanged    int `json:"totalMessagesExchanged"`
	EngagementDurationSeconds int `json:"engagementDurationSeconds"`

	EngagementMetrics EngagementMetrics `json:"engagementMetrics"`

	AgentNotes string  `json:"agentNotes"`
	Confidence float64 `json:"confidence"`
}

// BuildPayload assembles the callback payload from the latest session state.
func BuildPayload(sess *domain.Session) *Payload {
	duration := int(sess.EngagementDuration().Seconds())

	notes := sess.AgentNotes
	if notes == "" {
		notes = fmt.Sprintf("Scam detected. Risk: %s.", sess.RiskScore)
	}

	return &Payload{
		ReportID:     uuid.NewString(),
		SessionID:    sess.SessionID,
		Status:       "success",
		ScamDetected: sess.ScamDetected,
		ScamType:     orUnknown(sess.ScamType),
		ExtractedIntelligence: IntelligenceBuckets{
			PhoneNumbers:   emptyNotNil(sess.Intelligence.PhoneNumbers),
			BankAccounts:   emptyNotNil(sess.Intelligence.BankAccounts),
			UpiIDs:         emptyNotNil(sess.Intelligence.UpiIDs),
			PhishingLinks:  emptyNotNil(sess.Intelligence.PhishingLinks),
			EmailAddresses: emptyNotNil(sess.Intelligence.EmailAddresses),
		},
		TotalMessagesExchanged:    sess.TotalMessages,
		EngagementDurationSeconds: duration,
		EngagementMetrics: EngagementMetrics{
			TotalMessagesExchanged:    sess.TotalMessages,
			EngagementDurationSeconds: duration,
		},
		AgentNotes: notes,
		Confidence: sess.Confidence,
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// emptyNotNil keeps buckets as [] rather than null on the wire.
func emptyNotNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
