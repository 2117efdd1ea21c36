package usbip

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/efficientgo/core/errors"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Strict input grammars. Every dynamic value substituted into a command
// line has to pass one of these first; anything else fails fast and
// never reaches the executor.
var (
	busIdPattern    = regexp.MustCompile(`^[0-9]+-[0-9]+(\.[0-9]+)*$`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

const (
	maxBusIdLen    = 20
	maxUsernameLen = 32
)

// ValidateBusId checks the bus id against the kernel bus-id grammar
// (digits, dashes and dots only, e.g. "3-2.3").
func ValidateBusId(busId string) error {
	if busId == "" || len(busId) > maxBusIdLen {
		return errors.Newf("bus id %q has invalid length", busId)
	}
	if !busIdPattern.MatchString(busId) {
		return errors.Newf("bus id %q does not match the expected format", busId)
	}
	return nil
}

// ValidateHost accepts an IP literal or a DNS-1123 subdomain.
func ValidateHost(host string) error {
	if host == "" || len(host) > 253 {
		return errors.Newf("host %q has invalid length", host)
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if errs := validation.IsDNS1123Subdomain(host); len(errs) > 0 {
		return errors.Newf("host %q is not a valid hostname: %s", host, strings.Join(errs, ", "))
	}
	return nil
}

// ValidateUsername checks an SSH username.
func ValidateUsername(username string) error {
	if username == "" || len(username) > maxUsernameLen {
		return errors.Newf("username %q has invalid length", username)
	}
	if !usernamePattern.MatchString(username) {
		return errors.Newf("username %q contains invalid characters", username)
	}
	return nil
}

// NormalizeDescription folds a device description for correlation on
// platforms where bus ids cannot be matched across hosts: lowercased,
// with runs of whitespace collapsed to single spaces.
func NormalizeDescription(desc string) string {
	return strings.ToLower(strings.Join(strings.Fields(desc), " "))
}

func errInvalidServiceAction(action ServiceAction) error {
	return errors.Newf("service action %q is not allowed", action)
}

// ValidatePort checks a virtual port identifier from `usbip port` output.
func ValidatePort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil {
		return errors.Wrapf(err, "port %q is not numeric", port)
	}
	if n < 0 || n > 65535 {
		return errors.Newf("port %d out of range", n)
	}
	return nil
}
