package risk

import "regexp"

// pattern is one request signature with its standalone score.
type pattern struct {
	Name  string
	Regex *regexp.Regexp
	Score float64
}

// pathPatterns run against the decoded path and query.
var pathPatterns = []pattern{
	{Name: "path_traversal", Regex: regexp.MustCompile(`(\.\./){2,}|(\.\.\\){2,}|\.\./\.\.`), Score: 0.8},
	{Name: "sensitive_file", Regex: regexp.MustCompile(`(?i)(/etc/passwd|/etc/shadow|/proc/self/environ|c:\\windows\\win\.ini|boot\.ini)`), Score: 0.9},
	{Name: "sqli_union", Regex: regexp.MustCompile(`(?i)union\s+(all\s+)?select`), Score: 0.9},
	{Name: "sqli_tautology", Regex: regexp.MustCompile(`(?i)(\bor\b\s+\d+\s*=\s*\d+|'\s*or\s*'[^']*'\s*=\s*')`), Score: 0.8},
	{Name: "sqli_destructive", Regex: regexp.MustCompile(`(?i)(drop\s+table|delete\s+from|truncate\s+table|;\s*shutdown)`), Score: 0.9},
	{Name: "sqli_timing", Regex: regexp.MustCompile(`(?i)(sleep\s*\(\s*\d+|benchmark\s*\(|waitfor\s+delay)`), Score: 0.8},
	{Name: "xss_script", Regex: regexp.MustCompile(`(?i)(<script[^>]*>|javascript\s*:|on(error|load|mouseover)\s*=)`), Score: 0.8},
	{Name: "jndi_lookup", Regex: regexp.MustCompile(`(?i)\$\{jndi:`), Score: 1.0},
	{Name: "command_injection", Regex: regexp.MustCompile(`(?i)(;|\|\||&&|\|)\s*(cat|whoami|uname|wget|curl|nc|bash|sh)\b`), Score: 0.8},
	{Name: "config_probe", Regex: regexp.MustCompile(`(?i)(/\.env\b|/\.git/|/\.svn/|wp-config\.php|/config\.php)`), Score: 0.6},
	{Name: "admin_probe", Regex: regexp.MustCompile(`(?i)(/wp-admin|/phpmyadmin|/wp-login\.php|/cgi-bin/)`), Score: 0.3},
}

// userAgentPattern flags tooling by a case-insensitive substring of the User-Agent.
type userAgentPattern struct {
	Token string
	Score float64
}

var badUserAgents = []userAgentPattern{
	{Token: "sqlmap", Score: 0.9},
	{Token: "nikto", Score: 0.9},
	{Token: "nmap", Score: 0.9},
	{Token: "masscan", Score: 0.9},
	{Token: "zgrab", Score: 0.85},
	{Token: "acunetix", Score: 0.9},
	{Token: "nessus", Score: 0.9},
	{Token: "wpscan", Score: 0.9},
	{Token: "dirbuster", Score: 0.9},
	{Token: "gobuster", Score: 0.9},
	{Token: "hydra", Score: 0.9},
	{Token: "nuclei", Score: 0.85},
	{Token: "python-requests", Score: 0.3},
	{Token: "go-http-client", Score: 0.25},
	{Token: "curl/", Score: 0.3},
	{Token: "wget/", Score: 0.3},
}

const (
	emptyUserAgentScore = 0.4
	missingHeaderScore  = 0.1
	missingHeaderCap    = 0.3
	malformedScore      = 0.9
)
