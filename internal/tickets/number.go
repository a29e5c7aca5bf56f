package tickets

import (
	"fmt"
	"strconv"
	"strings"

	"raffle-core/internal/models"
)

// Numberer formats indices as display numbers for one raffle.
type Numberer struct {
	start int64
	step  int64
	total int
	width int
}

// NewNumberer builds a Numberer. A zero step is treated as 1.
func NewNumberer(n models.Numbering, total int) Numberer {
	step := n.Step
	if step <= 0 {
		step = 1
	}
	highest := n.StartNumber
	if total > 0 {
		highest += int64(total-1) * step
	}
	return Numberer{
		start: n.StartNumber,
		step:  step,
		total: total,
		width: len(strconv.FormatInt(highest, 10)),
	}
}

// ForRaffle is a shortcut for NewNumberer(r.Numbering, r.TotalTickets).
func ForRaffle(r models.Raffle) Numberer {
	return NewNumberer(r.Numbering, r.TotalTickets)
}

// Format returns the zero-padded display number of index i.
func (n Numberer) Format(i int) string {
	return fmt.Sprintf("%0*d", n.width, n.start+int64(i)*n.step)
}

// FormatAll formats every index in order.
func (n Numberer) FormatAll(indices []int) []string {
	out := make([]string, len(indices))
	for k, i := range indices {
		out[k] = n.Format(i)
	}
	return out
}

// Parse maps a display number back to its index. Leading zeros are accepted.
func (n Numberer) Parse(number string) (int, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(number), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ticket number %q is not numeric", number)
	}
	offset := v - n.start
	if offset < 0 || offset%n.step != 0 {
		return 0, fmt.Errorf("ticket number %q is not part of this raffle", number)
	}
	i := offset / n.step
	if i >= int64(n.total) {
		return 0, fmt.Errorf("ticket number %q is out of range", number)
	}
	return int(i), nil
}
