package domain

import (
	"fmt"
	"strconv"
	"strings"
)

const DefaultMaxSlots = 9

// ParseSlotID splits "d2" into letter "d" and position 2.
func ParseSlotID(slotID string) (letter string, position int, err error) {
	slotID = strings.TrimSpace(slotID)
	if len(slotID) < 2 {
		return "", 0, fmt.Errorf("slot id %q too short", slotID)
	}
	letter = slotID[:1]
	if letter < "a" || letter > "z" {
		return "", 0, fmt.Errorf("slot id %q must start with an engine letter", slotID)
	}
	position, err = strconv.Atoi(slotID[1:])
	if err != nil || position < 1 || strconv.Itoa(position) != slotID[1:] {
		return "", 0, fmt.Errorf("slot id %q must end with a positive position", slotID)
	}
	return letter, position, nil
}

func FormatSlotID(letter string, position int) string {
	return letter + strconv.Itoa(position)
}

// SlotDisplay renders a slot the way snapshot headers show it: "d2 (position 2)".
func SlotDisplay(slotID string) string {
	_, pos, err := ParseSlotID(slotID)
	if err != nil {
		return slotID
	}
	return fmt.Sprintf("%s (position %d)", slotID, pos)
}
