package mirror

import (
	"fmt"
	"strconv"
	"strings"
)

// Mirrored trades are correlated to their master ticket solely through the
// order comment. There is no persistent mapping: identity is re-derived
// every cycle by parsing comments back, which makes the sweep self-healing
// after restarts.

// OpenComment tags a mirrored open with its master ticket.
func OpenComment(masterTicket int64) string {
	return fmt.Sprintf("F %d", masterTicket)
}

// CloseComment tags the market order or removal that closes a mirror.
func CloseComment(masterTicket int64) string {
	return fmt.Sprintf("Close F %d", masterTicket)
}

// ParseOpenComment extracts the master ticket from a mirrored trade's
// comment. Brokers may append their own suffixes, so only the prefix and the
// last integer token are significant.
func ParseOpenComment(comment string) (int64, bool) {
	if !strings.HasPrefix(comment, "F ") {
		return 0, false
	}
	fields := strings.Fields(comment)
	if len(fields) < 2 {
		return 0, false
	}
	ticket, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return ticket, true
}
