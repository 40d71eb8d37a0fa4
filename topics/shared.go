// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

const sharePrefix = "$share/"

// Shared builds a shared subscription filter: $share/{ShareName}/{TopicFilter}.
// Brokers deliver each message matching the filter to one member of the share group.
func Shared(shareName, filter string) string {
	return sharePrefix + shareName + SlashSeparator + filter
}

// ParseShared parses a shared subscription filter.
// Format: $share/{ShareName}/{TopicFilter}
// Returns: shareName, topicFilter, isShared
//
// Examples:
//   - "$share/MOL/MOL/REQB/math.add" -> ("MOL", "MOL/REQB/math.add", true)
//   - "MOL/EVENT" -> ("", "MOL/EVENT", false)
func ParseShared(filter string) (shareName, topicFilter string, isShared bool) {
	if !strings.HasPrefix(filter, sharePrefix) {
		return "", filter, false
	}

	rest := filter[len(sharePrefix):]

	parts := strings.SplitN(rest, SlashSeparator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", filter, false
	}

	return parts[0], parts[1], true
}

