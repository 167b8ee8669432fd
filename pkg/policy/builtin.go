package policy

// BuiltinPolicies returns the rules every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		emailPolicy(),
		usernamePolicy(),
	}
}

// emailPolicy correlates on a lower-cased email address, from the translated
// attributes or the remote mail attribute.
func emailPolicy() Policy {
	return Policy{
		Name:        "email",
		Description: "Correlate on the email attribute, case-insensitively",
		Enabled:     true,
		Rego: `package provisio.correlation.email

import rego.v1

default query := {}

query := {"email": lower(input.attributes.email)} if {
	is_string(input.attributes.email)
}

query := {"email": lower(input.object.attributes.mail)} if {
	not input.attributes.email
	is_string(input.object.attributes.mail)
}
`,
	}
}

// usernamePolicy correlates the remote UID with the username attribute.
func usernamePolicy() Policy {
	return Policy{
		Name:        "username",
		Description: "Correlate the remote UID with the username attribute",
		Enabled:     true,
		Rego: `package provisio.correlation.username

import rego.v1

default query := {}

query := {"username": input.object.uid} if input.object.uid != ""
`,
	}
}
