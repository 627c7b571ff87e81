package constitution

import "regexp"

// defaultRules returns the baked-in rule set (spec §4.2): critical rules
// against destructive shell commands, malware, network-attack tooling,
// credential exfiltration, constitution tampering, and infinite loops; high
// rules against impersonation and unauthorized external communication;
// medium rules requiring AI self-identification on request. These can never
// be overridden — New() drops any user rule whose ID collides with one
// below.
func defaultRules() []Rule {
	return []Rule{
		{
			ID: "SAFETY-001", Name: "no-destructive-shell", Severity: Critical, Category: "destructive-system",
			Description: "Refuse shell commands that destroy data or the host (recursive root deletion, disk wipe, fork bombs, forced shutdown).",
			Enforce: Enforcement{
				ArgPatterns: []ArgPattern{
					NewArgPattern("shell_exec", "command", `rm\s+-[a-z]*r[a-z]*f[a-z]*\s+/(\s|$)|rm\s+-[a-z]*f[a-z]*r[a-z]*\s+/(\s|$)`),
					NewArgPattern("shell_exec", "command", `mkfs\.|dd\s+if=.*of=/dev/|:\(\)\s*\{\s*:\|:&\s*\};:`),
					NewArgPattern("shell_exec", "command", `shutdown\s+-[a-z]*h|init\s+0|poweroff`),
				},
			},
		},
		{
			ID: "SAFETY-002", Name: "no-malware", Severity: Critical, Category: "malware",
			Description: "Refuse to author, download, or execute malware (ransomware, keyloggers, rootkits, trojans, worms).",
			Enforce: Enforcement{
				ArgPatterns: []ArgPattern{
					NewArgPattern("shell_exec", "command", `ransomware|keylogger|rootkit|\btrojan\b|\bworm\b\s*(payload|exploit)`),
					NewArgPattern("file_write", "content", `ransomware|keylogger|rootkit`),
				},
			},
		},
		{
			ID: "SAFETY-003", Name: "no-network-attack-tools", Severity: Critical, Category: "network-attack",
			Description: "Refuse to invoke network-attack tooling (DDoS, port-flood, packet injection against hosts not under the user's control).",
			Enforce: Enforcement{
				ArgPatterns: []ArgPattern{
					NewArgPattern("shell_exec", "command", `\bhping3\b|\bslowloris\b|\bddos\b|\bnmap\b.*(-sS|--script\s+exploit)`),
					NewArgPattern("http_fetch", "url", `\?.*(flood|ddos)=`),
				},
			},
		},
		{
			ID: "SAFETY-004", Name: "no-credential-exfiltration", Severity: Critical, Category: "credential-exfiltration",
			Description: "Refuse to place API keys, passwords, or tokens into URL query parameters of outbound requests.",
			Enforce: Enforcement{
				ArgPatterns: []ArgPattern{
					NewArgPattern("http_fetch", "url", `[?&](api_?key|token|password|secret)=`),
					NewArgPattern("browser_navigate", "url", `[?&](api_?key|token|password|secret)=`),
				},
			},
		},
		{
			ID: "SAFETY-005", Name: "no-constitution-tamper", Severity: Critical, Category: "self-modification",
			Description: "Refuse to modify the files that define this constitution's rule set.",
			Enforce: Enforcement{
				ArgPatterns: []ArgPattern{
					NewArgPattern("file_write", "path", `constitution\.(ya?ml|json|go)$`),
				},
			},
		},
		{
			ID: "SAFETY-006", Name: "no-infinite-loop", Severity: Critical, Category: "resource-exhaustion",
			Description: "Refuse to author shell commands that spin in an unbounded loop.",
			Enforce: Enforcement{
				ArgPatterns: []ArgPattern{
					NewArgPattern("shell_exec", "command", `while\s+true\s*;?\s*do|:\(\)\s*\{.*\};:|for\s*\(\(\s*;\s*;\s*\)\)`),
				},
			},
		},
		{
			ID: "CONDUCT-001", Name: "no-impersonation", Severity: High, Category: "impersonation",
			Description: "Refuse to impersonate a real person, company, or government entity in generated output.",
			Enforce: Enforcement{
				OutputPatterns: []*regexp.Regexp{mustCompile(`I am (the real |the actual )?(CEO|president|official representative) of`)},
			},
		},
		{
			ID: "CONDUCT-002", Name: "no-unauthorized-comms", Severity: High, Category: "unauthorized-communication",
			Description: "Refuse to send email, SMS, or chat messages to recipients not explicitly authorized by the task.",
			Enforce: Enforcement{
				ArgLimits: []ArgLimit{{Tool: "email_send", Field: "recipient_count", Max: 50}},
			},
		},
		{
			ID: "CONDUCT-003", Name: "self-identify-as-ai", Severity: Medium, Category: "disclosure",
			Description: "When directly asked whether you are an AI, answer truthfully.",
			Enforce: Enforcement{
				OutputPatterns: []*regexp.Regexp{mustCompile(`I am (a |definitely a )?human\b`)},
			},
		},
	}
}
