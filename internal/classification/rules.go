package classification

// CategoryOther is returned when no rule matches a merchant.
const CategoryOther = "Other"

// CategoryRule maps a spending category to the merchant keywords that imply it.
type CategoryRule struct {
	Category string
	Keywords []string
}

// DefaultCategoryRules returns the built-in keyword table. Order matters: the
// first rule with a matching keyword wins.
func DefaultCategoryRules() []CategoryRule {
	return []CategoryRule{
		{
			Category: "Streaming",
			Keywords: []string{
				"netflix", "prime video", "amazon prime", "hotstar", "disney",
				"hulu", "hbo", "youtube premium", "zee5", "sonyliv", "jiocinema", "apple tv",
			},
		},
		{
			Category: "Music",
			Keywords: []string{
				"spotify", "apple music", "gaana", "jiosaavn", "saavn", "wynk",
				"youtube music", "tidal", "audible",
			},
		},
		{
			Category: "Investment",
			Keywords: []string{
				"zerodha", "groww", "upstox", "smallcase", "mutual fund", "sip installment", "kuvera", "coin by zerodha",
			},
		},
		{
			Category: "Food & Dining",
			Keywords: []string{
				"swiggy", "zomato", "uber eats", "doordash", "dunzo", "blinkit", "eatsure",
			},
		},
		{
			Category: "Fitness",
			Keywords: []string{
				"cult.fit", "cultfit", "gym", "fitness", "peloton", "strava", "healthifyme", "yoga",
			},
		},
		{
			Category: "Cloud Storage",
			Keywords: []string{
				"google one", "icloud", "dropbox", "onedrive", "google storage", "box.com", "pcloud",
			},
		},
	}
}
