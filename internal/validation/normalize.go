package validation

import "strings"

// NormalizeEmail canonicalizes a valid address: the whole address is lowercased and
// provider-specific aliases are folded (gmail dots and +tags, outlook/icloud +tags,
// yahoo -tags). Invalid input is returned unchanged.
func NormalizeEmail(email string) string {
	if !IsEmail(email) {
		return email
	}

	at := strings.LastIndex(email, "@")
	local := strings.ToLower(email[:at])
	domain := strings.ToLower(email[at+1:])

	switch domain {
	case "gmail.com", "googlemail.com":
		local = cutAt(local, "+")
		local = strings.ReplaceAll(local, ".", "")
		domain = "gmail.com"
	case "outlook.com", "hotmail.com", "live.com":
		local = cutAt(local, "+")
	case "icloud.com", "me.com", "mac.com":
		local = cutAt(local, "+")
	case "yahoo.com", "ymail.com", "rocketmail.com":
		local = cutAt(local, "-")
	}

	if local == "" {
		return strings.ToLower(email)
	}
	return local + "@" + domain
}

func cutAt(s, sep string) string {
	if i := strings.Index(s, sep); i >= 0 {
		return s[:i]
	}
	return s
}
