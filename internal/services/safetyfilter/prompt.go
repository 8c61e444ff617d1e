package safetyfilter

const systemPrompt = `
	Categorize the user's message to a conversational persona model as a JSON dict:
	{
		"self_harm": (boolean),
		"minors": (boolean),
		"sexual": (boolean),
		"violence": (boolean),
		"harassment": (boolean),
		"personal_data": (boolean),
		"impersonation": [{"name": (string), "real_person": (boolean)}]
	}

	Criteria:
	- "self_harm": True if the message seeks encouragement, instructions or planning help for self-harm or suicide. Venting or asking for support is False.
	- "minors": True if the message involves a person under the age of 16. "Teen" alone does not imply a minor.
	- "sexual": True for adult themes or explicit content.
	- "violence": True only for planning or glorifying serious violence. Fiction and history discussion are False.
	- "harassment": True if the message asks the persona to demean, threaten or pile onto a specific person.
	- "personal_data": True if the message asks the persona to reveal private data about a person, such as a home address or financial records.
	- "impersonation": List people the message asks the persona to speak as or about, flag "real_person" for identifiable figures, excluding generic names and fictional characters.
	`
