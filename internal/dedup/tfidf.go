package dedup

import (
	"math"
	"regexp"
	"strings"
)

// tokenPattern matches runs of two or more word characters (Unicode
// letters, digits, underscore); single characters are dropped.
var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]{2,}`)

// stopWords is the English stop list applied before n-gram extraction.
var stopWords = toSet(`a about above across after afterwards again against all almost alone along
already also although always am among amongst an and another any anyhow anyone anything anyway
anywhere are around as at back be became because become becomes becoming been before beforehand
behind being below beside besides between beyond both but by can cannot could did do does doing
done down due during each eg either else elsewhere enough etc even ever every everyone everything
everywhere except few for former formerly from further get give go had has have he hence her here
hereafter hereby herein hereupon hers herself him himself his how however i ie if in indeed into is
it its itself just keep last latter latterly least less made many may me meanwhile might mine more
moreover most mostly much must my myself namely neither never nevertheless next no nobody none
noone nor not nothing now nowhere of off often on once one only onto or other others otherwise our
ours ourselves out over own per perhaps please put rather re same see seem seemed seeming seems
several she should since so some somehow someone something sometime sometimes somewhere still such
than that the their them themselves then thence there thereafter thereby therefore therein
thereupon these they this those though through throughout thru thus to together too toward towards
under until up upon us very via was we well were what whatever when whence whenever where
whereafter whereas whereby wherein whereupon wherever whether which while whither who whoever whole
whom whose why will with within without would yet you your yours yourself yourselves`)

func toSet(words string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(words) {
		set[w] = struct{}{}
	}
	return set
}

// terms returns the unigrams and bigrams of a title after stop word removal.
func terms(title string) []string {
	var words []string
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(title), -1) {
		if _, stop := stopWords[tok]; !stop {
			words = append(words, tok)
		}
	}
	out := make([]string, 0, 2*len(words))
	out = append(out, words...)
	for i := 0; i+1 < len(words); i++ {
		out = append(out, words[i]+" "+words[i+1])
	}
	return out
}

// sparseVec is an L2-normalised TF-IDF vector.
type sparseVec map[string]float64

func (v sparseVec) dot(o sparseVec) float64 {
	if len(o) < len(v) {
		v, o = o, v
	}
	var sum float64
	for term, w := range v {
		sum += w * o[term]
	}
	return sum
}

// tfidf vectorises the titles as one corpus: raw term counts weighted by the
// smoothed idf ln((1+n)/(1+df))+1, then L2-normalised.
func tfidf(titles []string) []sparseVec {
	counts := make([]map[string]int, len(titles))
	df := make(map[string]int)
	for i, title := range titles {
		tf := make(map[string]int)
		for _, term := range terms(title) {
			tf[term]++
		}
		for term := range tf {
			df[term]++
		}
		counts[i] = tf
	}

	n := float64(len(titles))
	vecs := make([]sparseVec, len(titles))
	for i, tf := range counts {
		vec := make(sparseVec, len(tf))
		var norm float64
		for term, c := range tf {
			w := float64(c) * (math.Log((1+n)/(1+float64(df[term]))) + 1)
			vec[term] = w
			norm += w * w
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for term := range vec {
				vec[term] /= norm
			}
		}
		vecs[i] = vec
	}
	return vecs
}

// lexicalKeep returns, for each title, whether it survives greedy keep-first
// near-duplicate removal at the given cosine threshold.
func lexicalKeep(titles []string, threshold float64) []bool {
	vecs := tfidf(titles)
	keep := make([]bool, len(titles))
	var kept []int
	for i, v := range vecs {
		keep[i] = true
		for _, j := range kept {
			if v.dot(vecs[j]) >= threshold {
				keep[i] = false
				break
			}
		}
		if keep[i] {
			kept = append(kept, i)
		}
	}
	return keep
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
