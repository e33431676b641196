package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nbutton23/zxcvbn-go"
)

const specialChars = "!\"#$%&'()*+,-./:;<=>?@[\\]^_{|}~`"

// ErrWeakPassword is matched by every policy violation.
var ErrWeakPassword = errors.New("password does not meet policy requirements")

// PolicyError names the first rule a master password failed.
type PolicyError struct {
	Rule string
}

func (e *PolicyError) Error() string { return e.Rule }

// Is lets errors.Is(err, ErrWeakPassword) match any PolicyError.
func (e *PolicyError) Is(target error) bool { return target == ErrWeakPassword }

// ValidateOptions tunes the master password policy.
type ValidateOptions struct {
	MinLength      int
	RequireUpper   bool
	RequireDigit   bool
	RequireSpecial bool
	// MinZXCVBNScore is the minimum zxcvbn score (0-4); 0 disables the check.
	MinZXCVBNScore int
	// UserInputs are penalized by zxcvbn (vault dir, user name, ...).
	UserInputs []string
}

// DefaultValidateOptions is the policy applied by the vault session.
func DefaultValidateOptions() ValidateOptions {
	return ValidateOptions{
		MinLength:      8,
		RequireUpper:   true,
		RequireDigit:   true,
		RequireSpecial: true,
	}
}

// StrictValidateOptions is the policy the CLI asks for on interactive setup.
func StrictValidateOptions() ValidateOptions {
	opts := DefaultValidateOptions()
	opts.MinLength = 12
	opts.MinZXCVBNScore = 3
	return opts
}

// ValidateMasterPassword applies the default master password policy.
func ValidateMasterPassword(pw string) error {
	return ValidateMasterPasswordAdvanced(pw, DefaultValidateOptions())
}

// ValidateMasterPasswordAdvanced applies the character-class rules in opts
// and, when requested, a minimum zxcvbn strength score.
func ValidateMasterPasswordAdvanced(pw string, opts ValidateOptions) error {
	if strings.TrimSpace(pw) == "" {
		return &PolicyError{Rule: "master password cannot be empty"}
	}
	if len([]rune(pw)) < opts.MinLength {
		return &PolicyError{Rule: fmt.Sprintf("password must be at least %d characters long", opts.MinLength)}
	}
	if opts.RequireUpper && !hasUpper(pw) {
		return &PolicyError{Rule: "password must include an uppercase letter"}
	}
	if opts.RequireDigit && !hasDigit(pw) {
		return &PolicyError{Rule: "password must include a digit"}
	}
	if opts.RequireSpecial && !hasSpecial(pw) {
		return &PolicyError{Rule: "password must include a special character"}
	}
	if opts.MinZXCVBNScore > 0 {
		if score := Strength(pw, opts.UserInputs...).Score; score < opts.MinZXCVBNScore {
			return &PolicyError{Rule: fmt.Sprintf("password is too guessable (score %d, need %d)", score, opts.MinZXCVBNScore)}
		}
	}
	return nil
}

// MaxStrengthInput is the number of runes zxcvbn is allowed to see. Matching
// cost grows roughly with the cube of the input length, so longer passwords
// are scored on their prefix.
const MaxStrengthInput = 128

// StrengthReport summarizes a zxcvbn estimate.
type StrengthReport struct {
	Score     int     `json:"score"`
	Entropy   float64 `json:"entropy"`
	CrackTime string  `json:"crackTime"`
	// Truncated is set when only the first MaxStrengthInput runes were scored.
	Truncated bool `json:"truncated,omitempty"`
}

// Strength estimates how guessable pw is. Inputs longer than
// MaxStrengthInput runes are scored on their leading MaxStrengthInput runes;
// user inputs are clipped the same way.
func Strength(pw string, userInputs ...string) StrengthReport {
	pw, truncated := clipRunes(pw, MaxStrengthInput)
	inputs := make([]string, 0, len(userInputs))
	for _, in := range userInputs {
		clipped, _ := clipRunes(in, MaxStrengthInput)
		inputs = append(inputs, clipped)
	}
	m := zxcvbn.PasswordStrength(pw, inputs)
	return StrengthReport{
		Score:     m.Score,
		Entropy:   m.Entropy,
		CrackTime: m.CrackTimeDisplay,
		Truncated: truncated,
	}
}

func clipRunes(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, false
}

func hasUpper(s string) bool {
	for _, r := range s {
		if unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func hasSpecial(s string) bool {
	for _, r := range s {
		if strings.ContainsRune(specialChars, r) {
			return true
		}
	}
	return false
}
