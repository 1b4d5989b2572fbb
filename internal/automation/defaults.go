package automation

import "gitlab.com/timkado/api/livechat-router/internal/model"

// DefaultRules returns the rules seeded for a new tenant.
func DefaultRules() []model.AutoReplyRule {
	return []model.AutoReplyRule{
		{
			Trigger: model.TriggerFirstMessage,
			Name:    "Greeting",
			Text:    "Thanks for reaching out! We will reply shortly.",
			Active:  true,
			Order:   1,
		},
		{
			Trigger:      model.TriggerNoReply,
			Name:         "Delay 5 min",
			Text:         "Thanks for waiting! An operator will be with you soon.",
			DelaySeconds: 300,
			Active:       true,
			Order:        2,
		},
		{
			Trigger:      model.TriggerNoReply,
			Name:         "Delay 10 min",
			Text:         "Sorry for the wait. Leave your phone number and we will call you back.",
			DelaySeconds: 600,
			Active:       true,
			Order:        3,
		},
		{
			Trigger: model.TriggerOffline,
			Name:    "Offline",
			Text:    "We are offline right now. Leave a message and we will answer as soon as we are back.",
			Active:  true,
			Order:   4,
		},
	}
}
