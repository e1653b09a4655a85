package config

import "time"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Navigator: NavigatorConfig{
			Framework:           "navigator_vocalis",
			Timeout:             Duration(30 * time.Second),
			ResetTimeout:        Duration(10 * time.Second),
			Retries:             0,
			FinalReportKeywords: defaultFinalReportKeywords(),
		},
		Relay: RelayConfig{
			MaxConcurrent: 16,
			BusBuffer:     100,
			AttachSender:  true,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:  false,
				Keyboard: true,
			},
			CLI: CLIConfig{
				Enabled: true,
			},
		},
		Access: AccessConfig{
			Enabled:      false,
			DBPath:       "~/.navigatorbot/access.db",
			PlanRequests: 100,
			PlanDays:     30,
			PlanPrice:    1500,
		},
		API: APIConfig{
			Enabled: false,
			Addr:    ":8080",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
		Messages: defaultMessages(),
	}
}

func defaultMessages() MessagesConfig {
	return MessagesConfig{
		Greeting: "Hi! I am the NAVIGATOR / VOCALIS bot.\n\n" +
			"Send me any request and I will pass it to the NAVIGATOR server and bring back the answer.",
		Help: "Commands:\n" +
			"/start - greeting and access status\n" +
			"/profile - your plan and usage\n" +
			"/new_dialog - start the conversation from scratch\n" +
			"/help - this message\n\n" +
			"Anything else you write is sent to NAVIGATOR.",
		Processing:         "Working on your request...",
		EmptyReply:         "The NAVIGATOR server answered with an empty reply. Try rephrasing the request.",
		ServiceUnavailable: "The NAVIGATOR server is unavailable right now. Please try again later.",
		GenericFailure:     "Something went wrong while processing your request. Please try again later.",
		DialogReset:        "Dialog history cleared. Send your first question on the new topic.",
		DialogResetFailed:  "Could not clear the dialog history right now. Please try again later.",
	}
}

// defaultFinalReportKeywords are the phrases the deployed NAVIGATOR
// framework treats as a request for the closing report.
func defaultFinalReportKeywords() []string {
	return []string{
		"финальный отчёт",
		"итоговый отчёт",
		"подведи итоги",
		"сформируй отчёт",
		"мои рекомендации",
		"финальные рекомендации",
		"что ты можешь посоветовать",
		"подведём итоги",
		"final report",
	}
}
