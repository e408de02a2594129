// Package prompts holds the model prompt templates and the interpolation
// that fills them. Every template that expects structured output spells out
// the exact JSON shape the caller will decode.
package prompts

import (
	"regexp"
	"strings"
)

// SystemAnalyst frames the model for extraction, classification, risk,
// summarisation and clustering calls.
const SystemAnalyst = `You are a senior complaint analyst at a government consumer protection regulator.
You read consumer complaints carefully and objectively. You identify the legal issues involved,
assess risk and decide what regulatory response is warranted. Ground every conclusion in
specific facts taken from the complaint text.

Respond ONLY with valid JSON that matches the requested schema. Do not write anything outside the JSON.`

// SystemDrafter frames the model for outbound correspondence drafts.
const SystemDrafter = `You draft correspondence on behalf of a government consumer protection regulator.
Write formally and clearly, with authority but without aggression. You may refer to general
consumer protection principles but must never give specific legal advice.
Every draft must be fit to send as official government correspondence.

Respond ONLY with valid JSON that matches the requested schema.`

// Extraction pulls structured facts out of a narrative.
const Extraction = `Read the consumer complaint below and extract structured information from it.

COMPLAINT TEXT:
"""
{{complaintText}}
"""

Use null for any field the text does not support.

Respond with this exact JSON schema:
{
  "businessName": string | null,
  "productOrService": string | null,
  "complaintCategory": "misleading_conduct" | "unfair_contract_terms" | "product_safety" | "pricing_issues" | "warranty_guarantee" | "refund_dispute" | "service_quality" | "billing_dispute" | "privacy_breach" | "accessibility" | "discrimination" | "scam_fraud" | "unconscionable_conduct" | "other" | null,
  "industry": "financial_services" | "telecommunications" | "energy" | "retail" | "health" | "aged_care" | "building_construction" | "automotive" | "travel_tourism" | "education" | "real_estate" | "insurance" | "food_beverage" | "technology" | "government_services" | "other" | null,
  "monetaryValue": number | null,
  "monetaryCurrency": "AUD",
  "incidentDate": string | null,
  "timeline": [{ "date": string | null, "event": string }],
  "parties": [{ "name": string, "role": "complainant" | "business" | "third_party" }],
  "evidenceMentioned": [string],
  "urgencyIndicators": [string],
  "vulnerabilityIndicators": [string],
  "keyFacts": [string],
  "reasoning": string,
  "confidence": number
}`

// Classification assigns legal and regulatory categories.
const Classification = `Classify the consumer complaint below for regulatory triage.

COMPLAINT TEXT:
"""
{{complaintText}}
"""

EXTRACTED DATA:
{{extractedData}}

Classify the complaint on every dimension in the schema. Take into account consumer protection
law, industry-specific regulation and regulatory precedent.

Respond with this exact JSON schema:
{
  "primaryCategory": string,
  "secondaryCategories": [string],
  "legalCategory": string,
  "relevantLegislation": [string],
  "isCivilDispute": boolean,
  "isSystemicRisk": boolean,
  "breachLikelihood": number,
  "breachType": string | null,
  "regulatoryJurisdiction": string,
  "reasoning": string,
  "confidence": number
}`

// RiskScoring rates risk and complexity given business history.
const RiskScoring = `Assess the risk and complexity of the consumer complaint below so it can be prioritised.

COMPLAINT TEXT:
"""
{{complaintText}}
"""

CLASSIFICATION:
{{classification}}

BUSINESS CONTEXT:
- Previous complaints against this business: {{previousComplaintCount}}
- Business industry: {{industry}}
- Business status: {{businessStatus}}

Score each factor between 0.0 and 1.0 and give an overall risk assessment.

Respond with this exact JSON schema:
{
  "riskLevel": "low" | "medium" | "high" | "critical",
  "complexityFactors": {
    "legalNuance": number,
    "investigationDepth": number,
    "monetaryValue": number,
    "partiesInvolved": number,
    "novelty": number,
    "publicHarm": number
  },
  "complexityScore": number,
  "publicHarmIndicator": number,
  "vulnerabilityScore": number,
  "systemicImpactScore": number,
  "resolutionProbability": number,
  "recommendedRouting": "line_1_auto" | "line_2_investigation" | "systemic_review",
  "reasoning": string,
  "confidence": number
}`

// Summarisation produces an officer-facing summary.
const Summarisation = `Summarise the consumer complaint below for a regulatory officer who needs to grasp the key issues quickly.

COMPLAINT TEXT:
"""
{{complaintText}}
"""

Include a two or three sentence executive summary, the key issues and the recommended next steps.

Respond with this exact JSON schema:
{
  "executiveSummary": string,
  "keyIssues": [string],
  "recommendedActions": [string],
  "reasoning": string,
  "confidence": number
}`

// MissingData lists what a partial submission still needs.
const MissingData = `Review this partial complaint submission and work out which critical information is missing.

CURRENT TEXT:
"""
{{complaintText}}
"""

ALREADY COLLECTED DATA:
{{currentData}}

For each missing field that matters to a regulatory complaint, write one plain question to ask
the complainant. List the most critical gaps first.

Respond with this exact JSON schema:
{
  "extractedData": {
    "businessName": string | null,
    "category": string | null,
    "monetaryValue": number | null,
    "incidentDate": string | null
  },
  "missingFields": [
    {
      "field": string,
      "importance": "critical" | "important" | "helpful",
      "question": string
    }
  ],
  "followUpQuestions": [string],
  "completenessScore": number,
  "reasoning": string,
  "confidence": number
}`

// DraftComplainantResponse drafts the Line-1 reply to the complainant.
const DraftComplainantResponse = `Draft a reply to a consumer who lodged a complaint with a government regulator.

COMPLAINT SUMMARY:
{{summary}}

COMPLAINT CATEGORY: {{category}}
RISK LEVEL: {{riskLevel}}
ROUTING: Line 1 - assisted automated response

The reply must acknowledge receipt, restate the issue as understood, explain what the regulator
will do next, give general information about consumer rights and set expectations about timing.
It must never give specific legal advice.

Tone: professional, empathetic, clear and appropriate for government correspondence.

Respond with this exact JSON schema:
{
  "subject": string,
  "body": string,
  "reasoning": string,
  "confidence": number
}`

// DraftBusinessNotice drafts the initial inquiry to the business.
const DraftBusinessNotice = `Draft a regulatory notice to a business about a consumer complaint.

COMPLAINT SUMMARY:
{{summary}}

BUSINESS NAME: {{businessName}}
COMPLAINT CATEGORY: {{category}}
ALLEGED ISSUES: {{issues}}

The notice must formally notify the business of the complaint, describe the allegations without
making findings, request a response within a stated timeframe and refer to general regulatory
obligations. Keep the tone neutral and authoritative.

This is an initial inquiry, not an enforcement action.

Respond with this exact JSON schema:
{
  "subject": string,
  "body": string,
  "responseDeadlineDays": number,
  "reasoning": string,
  "confidence": number
}`

// ClusteringAnalysis asks whether a group of similar complaints is systemic.
const ClusteringAnalysis = `Review this group of similar consumer complaints and look for systemic patterns.

COMPLAINTS:
{{complaints}}

Identify the fact patterns the complaints share, any common contract terms, fees or business
practices, whether the group reflects a systemic issue or coincidence, the nature of the
regulatory concern and the response you recommend.

Respond with this exact JSON schema:
{
  "isSystemic": boolean,
  "title": string,
  "description": string,
  "commonPatterns": [string],
  "sharedPractices": [string],
  "affectedConsumerProfile": string,
  "potentialRegulatoryConcern": string,
  "recommendedAction": string,
  "riskLevel": "low" | "medium" | "high" | "critical",
  "reasoning": string,
  "confidence": number
}`

// userInputKeys name the variables that carry complainant-controlled text.
var userInputKeys = map[string]bool{
	"complaintText": true,
	"summary":       true,
	"businessName":  true,
	"issues":        true,
	"currentData":   true,
	"complaints":    true,
}

var controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

// Sanitize neutralises text before it is placed inside a prompt. Triple
// quotes are broken with zero-width spaces so they cannot close the
// delimited block, and control characters other than \t \n \r are removed.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, `"""`, "\"\u200b\"\u200b\"")
	return controlChars.ReplaceAllString(s, "")
}

// Interpolate replaces every {{key}} in template with vars[key]. Values of
// user-input keys are sanitised first. Placeholders without a value are
// left as-is.
func Interpolate(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		if userInputKeys[k] {
			v = Sanitize(v)
		}
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
