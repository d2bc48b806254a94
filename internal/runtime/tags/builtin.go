package tags

// DefaultDecoration is used when neither a concept nor the category supplies one.
const DefaultDecoration = "🏷️"

func rules(pairs ...any) []Rule {
	out := make([]Rule, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, NewRule(pairs[i].(string), pairs[i+1].(int)))
	}
	return out
}

// Builtin returns a fresh copy of the shipped rule tables.
func Builtin() *Ruleset {
	return &Ruleset{
		Categories: map[string]Category{
			"books": {Decoration: "📚", Rules: rules(
				"story book", 8,
				"children's book", 8,
				"picture book", 8,
				"journal", 7,
				"notebook", 7,
				"sketchbook", 7,
				"recipe book", 8,
				"photo album", 7,
				"guest book", 8,
				"bookmark", 6,
			)},
			"jewelry": {Decoration: "💍", Rules: rules(
				"necklace", 8,
				"bracelet", 8,
				"earrings", 8,
				"ring", 7,
				"pendant", 7,
				"sterling silver", 8,
				"gold filled", 8,
				"birthstone", 8,
				"charm bracelet", 8,
				"minimalist jewelry", 7,
			)},
			"clothing": {Decoration: "👕", Rules: rules(
				"t-shirt", 8,
				"hoodie", 8,
				"sweatshirt", 8,
				"tank top", 7,
				"graphic tee", 8,
				"baby onesie", 8,
				"unisex", 6,
				"organic cotton", 7,
			)},
			"home decor": {Decoration: "🏠", Rules: rules(
				"wall art", 8,
				"wall decor", 8,
				"throw pillow", 8,
				"candle", 7,
				"wall hanging", 7,
				"farmhouse decor", 8,
				"boho decor", 8,
				"planter", 7,
				"doormat", 7,
			)},
			"art": {Decoration: "🎨", Rules: rules(
				"art print", 8,
				"wall art", 8,
				"watercolor", 7,
				"original painting", 8,
				"digital download", 7,
				"illustration", 7,
				"poster", 7,
			)},
			"toys": {Decoration: "🧸", Rules: rules(
				"plush", 8,
				"stuffed animal", 8,
				"wooden toy", 8,
				"montessori", 8,
				"puzzle", 7,
				"educational toy", 8,
			)},
			"wedding": {Decoration: "💒", Rules: rules(
				"wedding invitation", 8,
				"bridesmaid gift", 8,
				"wedding sign", 8,
				"cake topper", 8,
				"guest book", 8,
				"save the date", 8,
			)},
			"craft supplies": {Decoration: "🧵", Rules: rules(
				"sewing pattern", 8,
				"crochet pattern", 8,
				"knitting pattern", 8,
				"beads", 7,
				"yarn", 7,
				"svg file", 7,
			)},
			"bath & beauty": {Decoration: "🛁", Rules: rules(
				"bath bomb", 8,
				"soap", 7,
				"lip balm", 8,
				"body butter", 8,
				"essential oil", 7,
				"skincare", 7,
			)},
			"pet supplies": {Decoration: "🐾", Rules: rules(
				"dog collar", 8,
				"cat toy", 8,
				"pet portrait", 8,
				"dog bandana", 8,
				"pet memorial", 8,
			)},
		},
		General: rules(
			"handmade", 6,
			"personalized gift", 7,
			"custom", 6,
			"personalized", 6,
			"unique gift", 6,
			"gift idea", 5,
			"one of a kind", 6,
			"made to order", 5,
			"vintage", 6,
			"gift for her", 7,
			"gift for him", 7,
			"keepsake", 6,
		),
		Audience: rules(
			"birthday gift", 7,
			"christmas gift", 7,
			"anniversary gift", 7,
			"mothers day", 7,
			"fathers day", 7,
			"valentines day", 7,
			"baby shower", 7,
			"graduation gift", 7,
			"teacher gift", 7,
			"kids", 6,
			"toddler", 6,
			"new mom", 6,
			"best friend gift", 7,
		),
		Feature: rules(
			"eco friendly", 6,
			"organic", 5,
			"waterproof", 5,
			"hand painted", 6,
			"hand stitched", 6,
			"hand bound", 6,
			"wooden", 5,
			"ceramic", 5,
			"leather", 6,
			"printable", 6,
			"instant download", 6,
			"gift wrapped", 5,
		),
		Niche: rules(
			"cottagecore", 7,
			"dark academia", 7,
			"boho", 6,
			"minimalist", 6,
			"retro", 6,
			"kawaii", 6,
			"witchy", 6,
			"nautical", 6,
			"farmhouse", 6,
		),
		Compounds: []Compound{
			NewCompound([]string{"story", "book"},
				NewRule("story book", 9),
				NewRule("custom story book", 9),
			),
			NewCompound([]string{"personalized|custom", "story", "book"},
				NewRule("personalized story book", 10),
			),
			NewCompound([]string{"kid|child|toddler", "gift"},
				NewRule("gift for kids", 9),
				NewRule("kids gift", 8),
			),
			NewCompound([]string{"kid|child|toddler", "book"},
				NewRule("kids book", 8),
			),
			NewCompound([]string{"birthday", "kid|child"},
				NewRule("kids birthday gift", 8),
			),
			NewCompound([]string{"wedding", "personalized|custom"},
				NewRule("personalized wedding gift", 9),
			),
			NewCompound([]string{"name", "necklace"},
				NewRule("name necklace", 9),
			),
			NewCompound([]string{"pet|dog|cat", "portrait"},
				NewRule("custom pet portrait", 9),
			),
			NewCompound([]string{"baby", "personalized|custom"},
				NewRule("personalized baby gift", 9),
			),
		},
		Decorations: []Decoration{
			{Concept: "book", Symbol: "📖"},
			{Concept: "story", Symbol: "📖"},
			{Concept: "journal", Symbol: "📓"},
			{Concept: "kid", Symbol: "🧒"},
			{Concept: "baby", Symbol: "👶"},
			{Concept: "birthday", Symbol: "🎂"},
			{Concept: "wedding", Symbol: "💍"},
			{Concept: "christmas", Symbol: "🎄"},
			{Concept: "valentine", Symbol: "❤️"},
			{Concept: "personalized", Symbol: "✨"},
			{Concept: "custom", Symbol: "✨"},
			{Concept: "gift", Symbol: "🎁"},
			{Concept: "necklace", Symbol: "📿"},
			{Concept: "pet", Symbol: "🐾"},
			{Concept: "dog", Symbol: "🐶"},
			{Concept: "cat", Symbol: "🐱"},
			{Concept: "candle", Symbol: "🕯️"},
			{Concept: "art", Symbol: "🖼️"},
			{Concept: "handmade", Symbol: "🤲"},
			{Concept: "vintage", Symbol: "🕰️"},
			{Concept: "eco", Symbol: "🌿"},
			{Concept: "organic", Symbol: "🌿"},
		},
		DefaultDecoration: DefaultDecoration,
	}
}
