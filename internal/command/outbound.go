package command

// Outbound command builders. Each returns the encoded wire string.

func HangupCmd(channel string) string {
	return Join("hangup", channel)
}

func TransferCmd(channel, extension string) string {
	return Join("transfer", channel, extension)
}

func QueueCmd(channel string) string {
	return Join("queue", channel)
}

// UpdateFieldCmd carries a coalesced local edit. The value is free text and
// may contain the delimiter.
func UpdateFieldCmd(field, channel, value string) string {
	return Join(UpdateField, field, channel, value)
}

func DialCmd(number, extension string) string {
	return Join("dial", number, extension)
}

// ManualCmd announces a locally created manual call record.
func ManualCmd(channel, name string) string {
	return Join(Manual, channel, name)
}
