// Package safety classifies actions and plans by keyword substring matching.
package safety

// DefaultHighRisk defines substrings that make an action high risk.
var DefaultHighRisk = []string{
	"delete",
	"drop",
	"rm -rf",
	"truncate",
	"wipe",
	"destroy",
	"shutdown",
	"production",
	"deploy",
	"credential",
	"payment",
	"security",
}

// DefaultRequiresApproval defines substrings that need a human sign-off.
var DefaultRequiresApproval = []string{
	"deploy",
	"release",
	"publish",
	"migrate",
	"send email",
	"purchase",
	"transfer",
	"external api",
}

// DefaultSensitiveData defines substrings that indicate sensitive data handling.
var DefaultSensitiveData = []string{
	"password",
	"secret",
	"token",
	"api key",
	"private key",
	"ssn",
	"credit card",
	"personal data",
}

// DefaultForbidden defines substrings that make a plan review fail outright.
var DefaultForbidden = []string{
	"rm -rf /",
	"drop database",
	"disable safety",
	"exfiltrate",
	"bypass approval",
}
