package events

import "fmt"

func announceText(name, description string, delayMinutes int) string {
	if description != "" {
		return fmt.Sprintf("Scheduled event '%s' with description:\n\n\t%s \n\nto take place in: %d minutes.", name, description, delayMinutes)
	}
	return fmt.Sprintf("Scheduled event '%s' to take place in %d minutes.", name, delayMinutes)
}

func firedText(name string) string {
	return fmt.Sprintf("The scheduled event `%s` has been triggered!", name)
}
