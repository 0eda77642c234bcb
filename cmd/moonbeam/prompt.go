package main

import "strings"

// Default barista persona. Config base_prompt replaces this wholesale;
// agent.persona/agent.style append to whichever prompt is active.
const baristaPrompt = "You are a friendly barista at Moonbeam Coffee, a cozy specialty coffee shop. " +
	"Take the customer's order conversationally: find out the drink they want, the size, " +
	"any milk preference, and extras like extra shots or syrups. Ask for their name before saving. " +
	"Once the order is complete, call the save_order tool with everything you collected. " +
	"Keep replies short and warm, this is a voice conversation. Do not read lists or use markdown."

const defaultGreeting = "Hi, welcome to Moonbeam Coffee! What can I get started for you today?"

func buildPrompt(base, persona, style string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = baristaPrompt
	}
	parts := []string{base}
	if p := strings.TrimSpace(persona); p != "" {
		parts = append(parts, "Persona: "+p)
	}
	if s := strings.TrimSpace(style); s != "" {
		parts = append(parts, "Style: "+s)
	}
	return strings.Join(parts, "\n")
}
