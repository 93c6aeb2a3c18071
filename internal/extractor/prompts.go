package extractor

const userPrompt = `Extract the fields described below from a single chat message.

Fields (JSON object keyed by field name):
%s

Rules:
- Answer with one JSON object whose keys are the field names above.
- Use null for a field the message does not mention.
- Array fields take a JSON array of strings.
- Fields with an enum list take exactly one of the listed values.
- Copy identifiers exactly as written in the message.
- If the message cannot be processed at all, answer {"_error": "<short reason>"} instead.

Message sent %s at %s by %s:
---
%s
---

Return ONLY the JSON object, no markdown fences or other text.`
