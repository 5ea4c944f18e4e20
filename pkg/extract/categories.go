package extract

import (
	"regexp"
	"strings"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
)

// categoryRule drives pattern extraction for one category. Headings match
// section headings and table/definition labels by substring; Terms matches
// single sentences of running text.
type categoryRule struct {
	category models.Category
	itemType string
	headings []string
	terms    *regexp.Regexp
}

func rule(c models.Category, itemType string, headings []string, terms string) categoryRule {
	r := categoryRule{category: c, itemType: itemType, headings: headings}
	if terms != "" {
		r.terms = regexp.MustCompile(`(?i)` + terms)
	}
	return r
}

// categoryRules covers every models.Category. German and English wording of
// Austrian/EU funding pages.
var categoryRules = []categoryRule{
	rule(models.CategoryEligibility, "eligibility_criteria",
		[]string{"teilnahmeberechtigt", "antragsberechtigt", "voraussetzung", "eligibility", "wer wird gefördert", "zielgruppe", "wer kann", "who can apply", "förderbar sind", "kriterien"},
		`antragsberechtigt|teilnahmeberechtigt|förderberechtigt|eligible|gefördert werden (?:können )?(?:kleine|mittlere|unternehmen|gründer|start)|zielgruppe|voraussetzung (?:ist|für)|applicants must`),
	rule(models.CategoryCompanySize, "company_size",
		[]string{"unternehmensgröße", "company size", "kmu-definition"},
		`\bkmu\b|\bsmes?\b|kleinst-?,? kleine|mittlere unternehmen|großunternehmen|\d+\s*(?:mitarbeiter|beschäftigte|employees)`),
	rule(models.CategoryCompanyAge, "company_age",
		[]string{"unternehmensalter", "gründungsdatum", "company age"},
		`(?:nicht älter|jünger) als \d+|gegründet (?:vor|seit|nach)|(?:weniger|less) than \d+ years? (?:old|since)|seit (?:maximal|höchstens) \d+ jahren|start-?ups? (?:bis|up to) \d+`),
	rule(models.CategorySector, "sector",
		[]string{"branche", "sektor", "sector", "industry", "themenbereich"},
		`branchen?\b|sektor(?:en)?\b|\bsectors?\b|industr(?:y|ie)|tourismusbetrieb|handwerk|kreativwirtschaft|life sciences`),
	rule(models.CategoryGeographic, "location",
		[]string{"standort", "region", "fördergebiet", "location", "geltungsbereich", "niederlassung"},
		`(?:sitz|standort|niederlassung|betriebsstätte)\s+(?:in|im)\b|based in|located in|registered in|headquartered in|fördergebiet|bundesland|mitgliedsstaat|member states?`),
	rule(models.CategoryFinancial, "funding_amount",
		[]string{"förderhöhe", "förderbetrag", "fördersumme", "funding amount", "finanzierung", "höhe der förderung", "ausmaß", "finanzierungsvolumen"},
		`förderhöhe|förderbetrag|fördersumme|(?:max(?:imal)?|bis zu|up to)\s*(?:€|eur)?\s*\d|\d[\d.,]*\s*(?:€|eur\b|euro|mio)|förderquote|zuschuss von|grant of`),
	rule(models.CategoryCoFinancing, "co_financing",
		[]string{"eigenmittel", "eigenanteil", "kofinanzierung", "co-financing", "co-funding"},
		`eigenmittel|eigenanteil|eigenleistung|kofinanzierung|co-?financ|co-?fund|matching funds`),
	rule(models.CategoryFundingDetails, "funding_form",
		[]string{"förderart", "art der förderung", "förderform", "type of funding"},
		`nicht rückzahlbar|zinsgünstig|darlehen|kredit\b|haftung|garantie|bürgschaft|beteiligungskapital|equity|loan|guarantee`),
	rule(models.CategoryUseOfFunds, "eligible_costs",
		[]string{"förderbare kosten", "anrechenbare kosten", "verwendung", "eligible costs", "use of funds", "was wird gefördert"},
		`förderbare kosten|anrechenbare kosten|förderfähige kosten|eligible costs|personalkosten|sachkosten|gefördert werden kosten`),
	rule(models.CategoryCapexOpex, "cost_type",
		[]string{"investition", "capex", "opex", "betriebsausgaben"},
		`investitionskosten|investitionen in|anschaffung|capex|opex|betriebskosten|betriebsausgaben|sachanlagen`),
	rule(models.CategoryRevenueModel, "revenue_model",
		[]string{"geschäftsmodell", "business model", "umsatz", "erlösmodell"},
		`geschäftsmodell|business model|umsatz(?:erwartung|ziel|potenzial)|erlösmodell|revenue`),
	rule(models.CategoryMarketSize, "market",
		[]string{"markt", "market", "marktpotenzial"},
		`marktpotenzial|marktgröße|zielmarkt|market (?:size|potential)|internationalisierung|markteintritt`),
	rule(models.CategoryTimeline, "deadline",
		[]string{"frist", "deadline", "einreichfrist", "bewerbungsfrist", "laufzeit", "zeitraum", "termine", "einreichung bis"},
		`einreichfrist|bewerbungsfrist|antragsfrist|einreichschluss|einsendeschluss|deadline|stichtag|laufzeit|projektdauer|frist\b|closing date`),
	rule(models.CategoryApplication, "application_process",
		[]string{"antragstellung", "einreichung", "ablauf", "application", "how to apply", "so funktioniert", "bewerbung"},
		`antrag (?:ist|wird|kann)|antragstellung|einreichung (?:erfolgt|über|via)|online (?:einreichen|beantragen)|ecall|fördermanager|apply (?:online|via|through)|submit (?:your|the) application`),
	rule(models.CategoryDocuments, "required_documents",
		[]string{"unterlagen", "dokumente", "nachweise", "documents", "formulare", "antragsunterlagen"},
		`unterlagen|businessplan|jahresabschl|bilanz|kostenplan|nachweis|lebenslauf|cv\b|pitch deck|documents? (?:required|to submit)`),
	rule(models.CategoryEvaluation, "evaluation_criteria",
		[]string{"bewertung", "auswahl", "evaluation", "jury", "beurteilung", "auswahlverfahren"},
		`bewertungskriterien|bewertet (?:nach|werden)|jury|auswahlverfahren|evaluation criteria|begutachtung|ranking`),
	rule(models.CategoryReporting, "reporting",
		[]string{"berichte", "reporting", "abrechnung", "endbericht", "verwendungsnachweis"},
		`zwischenbericht|endbericht|abrechnung|verwendungsnachweis|reporting|final report|berichtspflicht`),
	rule(models.CategoryTeam, "team",
		[]string{"team", "gründer", "personal", "qualifikation", "founders"},
		`\bteam\b|gründer(?:innen)?(?:team)?|founders?\b|mitarbeiter(?:innen)?\s+(?:mit|müssen)|qualifikation|vollzeit|management`),
	rule(models.CategoryConsortium, "consortium",
		[]string{"konsortium", "consortium", "kooperation", "partner"},
		`konsortium|consortium|kooperationspartner|forschungspartner|verbundprojekt|partners? from|mindestens (?:zwei|drei|\d+) partner`),
	rule(models.CategoryDiversity, "diversity",
		[]string{"gender", "diversität", "diversity", "frauen"},
		`gender|diversität|diversity|gründerinnen|frauen(?:anteil|förderung)|chancengleichheit|inclusion`),
	rule(models.CategoryProject, "project_requirements",
		[]string{"projekt", "project", "vorhaben", "gegenstand der förderung", "fokus"},
		`das (?:projekt|vorhaben) (?:muss|soll)|projektinhalt|projektziel|vorhaben (?:muss|müssen)|project (?:must|should)|gefördert werden (?:projekte|vorhaben)`),
	rule(models.CategoryTechnical, "technical_requirements",
		[]string{"technisch", "technical", "technologie", "technik"},
		`technisch(?:e|en)? (?:anforderungen|machbarkeit)|technolog(?:ie|y) (?:readiness|neu)|prototyp|technical (?:requirements|feasibility)`),
	rule(models.CategoryTRLLevel, "trl",
		[]string{"trl", "technologiereifegrad", "technology readiness"},
		`\btrl\s*\d|technology readiness|technologiereifegrad`),
	rule(models.CategoryInnovation, "innovation",
		[]string{"innovation", "innovationsgehalt", "neuheit"},
		`innovationsgehalt|innovationshöhe|neuheitsgrad|innovativ(?:e|en)? (?:produkte|lösungen|vorhaben)|novelty|state of the art`),
	rule(models.CategoryImpact, "impact",
		[]string{"wirkung", "impact", "nutzen", "effekte", "arbeitsplätze"},
		`(?:schafft|sichert|creates?)\s+\d*\s*(?:arbeitsplätze|jobs)|arbeitsplätze|beschäftigung|wirkung auf|impact on|(?:reduziert|senkt|reduces?)\s+(?:co2|emissionen|emissions)|gesellschaftlich`),
	rule(models.CategorySustainability, "sustainability",
		[]string{"nachhaltigkeit", "sustainability", "klima", "umwelt"},
		`nachhaltigkeit|sustainab|klimaschutz|klimaneutral|umweltschutz|kreislaufwirtschaft|green deal|energieeffizienz|co2`),
	rule(models.CategoryLegal, "legal_basis",
		[]string{"rechtsgrundlage", "richtlinie", "legal", "de-minimis", "beihilfe"},
		`rechtsgrundlage|richtlinie|de-?minimis|agvo|beihilferecht|state aid|verordnung \(eu\)`),
	rule(models.CategoryCompliance, "compliance",
		[]string{"compliance", "verpflichtungen", "auflagen", "pflichten"},
		`verpflichtet sich|auflagen|einhaltung|compliance|ethik|datenschutzrechtlich|vergaberecht`),
	rule(models.CategoryIPRights, "ip_rights",
		[]string{"schutzrechte", "patente", "intellectual property", "ip-rechte", "verwertung"},
		`schutzrecht|patent|geistiges eigentum|intellectual property|\bip(?:r| rights)\b|verwertungsrecht|lizenz`),
	rule(models.CategoryRestrictions, "exclusions",
		[]string{"ausschluss", "nicht gefördert", "ausgeschlossen", "exclusions", "not eligible"},
		`nicht gefördert|nicht förderbar|ausgeschlossen|not eligible|excluded from|keine förderung|ausnahmen? (?:sind|bilden)`),
}

// rulesFor returns the rules whose heading keywords occur in label.
func rulesFor(label string) []categoryRule {
	label = strings.ToLower(label)
	var out []categoryRule
	for _, r := range categoryRules {
		for _, h := range r.headings {
			if strings.Contains(label, h) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

var optionalWording = regexp.MustCompile(`(?i)\b(?:optional|wünschenswert|von vorteil|vorzugsweise|preferred|nice to have|kann|können|may)\b`)

// isRequired treats a value as mandatory unless it is worded as optional.
func isRequired(value string) bool {
	return !optionalWording.MatchString(value)
}
