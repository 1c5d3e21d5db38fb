package mapper

import (
	"regexp"
	"strconv"
	"strings"
)

// leasePattern matches the authority's free-text tenure, e.g.
// "99 yrs lease commencing from 2020"
var leasePattern = regexp.MustCompile(`(?i)(\d+)\s*yrs?\.?\s*lease\s*commencing\s*from\s*(\d{4})`)

// ParseLease extracts the lease term and start year from free-text tenure and
// computes the remaining lease at the given transaction year.
//
// Freehold tenure yields nil remaining lease, never zero. Leasehold text that
// cannot be parsed also yields nil; the caller counts it as a warning.
func ParseLease(tenure string, transactionYear int) (leaseStartYear, remainingYears *int) {
	if strings.Contains(strings.ToLower(tenure), "freehold") {
		return nil, nil
	}

	m := leasePattern.FindStringSubmatch(tenure)
	if m == nil {
		return nil, nil
	}

	term, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, nil
	}
	start, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, nil
	}

	remaining := term - (transactionYear - start)
	return &start, &remaining
}
