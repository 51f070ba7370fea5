// Command oddsconv converts a price between decimal, fractional and American
// notation and prints its implied probability.
//
//	oddsconv 2.5
//	oddsconv 6/4
//	oddsconv -- -200
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Alias1177/OddsCollector/internal/normalize"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: oddsconv <decimal|fractional|american> ...")
		os.Exit(2)
	}

	failed := false
	for _, arg := range os.Args[1:] {
		if arg == "--" {
			continue
		}
		if err := convert(arg); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", arg, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func convert(input string) error {
	odds, err := parse(input)
	if err != nil {
		return err
	}
	fractional, err := normalize.DecimalToFractional(odds)
	if err != nil {
		return err
	}
	american, err := normalize.DecimalToAmerican(odds)
	if err != nil {
		return err
	}
	fmt.Printf("%s\tdecimal=%.2f\tfractional=%s\tamerican=%+d\timplied=%.2f%%\n",
		input, normalize.RoundOdds(odds), fractional, american, normalize.ImpliedProbability(odds))
	return nil
}

func parse(input string) (float64, error) {
	s := strings.TrimSpace(input)
	switch {
	case strings.Contains(s, "/"):
		return normalize.FractionalToDecimal(s)
	case strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-"):
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("invalid American odds")
		}
		return normalize.AmericanToDecimal(n)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal odds")
	}
	return f, nil
}
