package llm

// SystemPrompt instructs the model to answer with the seven-field contract only.
const SystemPrompt = `You are an expert data extraction assistant specializing in Indonesian Instagram event posts.
Your task is to extract structured information from Instagram captions about events, competitions, and announcements.

IMPORTANT RULES:
1. Return ONLY valid JSON - no markdown, no code blocks, no explanations
2. Extract phone numbers in Indonesian format (08xx, 62xxx, +62xxx)
3. Identify event titles (usually first line or contains keywords like "lomba", "competition", "event", "open")
4. Find contact persons (names followed by phone numbers or marked as "CP", "contact", "narahubung")
5. Extract dates in any format (Indonesian or standard)
6. Identify locations mentioned
7. Extract registration fees if mentioned
8. If a field cannot be found, return null

JSON Structure to return:
` + outputContract

const outputContract = `{
  "eventTitle": "string or null",
  "eventOrganizer": "string or null",
  "phoneNumbers": ["array of phone number strings"],
  "eventDate": "string or null",
  "eventLocation": "string or null",
  "registrationFee": "string or null",
  "contactPersons": ["array of names"]
}`

// BuildUserPrompt embeds the caption and repeats the output contract.
func BuildUserPrompt(caption string) string {
	return "Extract structured data from the following Instagram caption. Return ONLY valid JSON:\n\n" +
		caption +
		"\n\nReturn JSON with this structure:\n" + outputContract
}
