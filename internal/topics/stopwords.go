package topics

// ProcurementStopWords are terms present in nearly every contract
// description. They carry no topical signal.
var ProcurementStopWords = []string{
	"договор", "контракт", "услуга", "работа", "поставка",
	"руб", "рубль", "копейка", "шт", "штука",
	"заказчик", "исполнитель", "поставщик",
	"сумма", "цена", "стоимость", "срок", "дата", "период",
}

var russianStopWords = []string{
	"и", "в", "во", "не", "что", "он", "на", "я", "с", "со", "как", "а", "то",
	"все", "она", "так", "его", "но", "да", "ты", "к", "у", "же", "вы", "за",
	"бы", "по", "только", "ее", "мне", "было", "вот", "от", "меня", "еще",
	"нет", "о", "из", "ему", "теперь", "когда", "даже", "ну", "вдруг", "ли",
	"если", "уже", "или", "ни", "быть", "был", "него", "до", "вас", "нибудь",
	"опять", "уж", "вам", "ведь", "там", "потом", "себя", "ничего", "ей",
	"может", "они", "тут", "где", "есть", "надо", "ней", "для", "мы", "тебя",
	"их", "чем", "была", "сам", "чтоб", "без", "будто", "чего", "раз",
	"тоже", "себе", "под", "будет", "ж", "тогда", "кто", "этот", "того",
	"потому", "этого", "какой", "совсем", "ним", "здесь", "этом", "один",
	"почти", "мой", "тем", "чтобы", "нее", "сейчас", "были", "куда", "зачем",
	"всех", "никогда", "можно", "при", "наконец", "два", "об", "другой",
	"хоть", "после", "над", "больше", "тот", "через", "эти", "нас", "про",
	"всего", "них", "какая", "много", "разве", "три", "эту", "моя",
	"впрочем", "хорошо", "свою", "этой", "перед", "иногда", "лучше", "чуть",
	"том", "нельзя", "такой", "им", "более", "всегда", "конечно", "всю",
	"между", "также", "этих", "которые", "который", "которая",
	"которого", "иных", "иные", "прочие", "прочих", "числе",
}

var englishStopWords = []string{
	"a", "about", "above", "after", "again", "against", "all", "am", "an",
	"and", "any", "are", "as", "at", "be", "because", "been", "before",
	"being", "below", "between", "both", "but", "by", "can", "did", "do",
	"does", "doing", "down", "during", "each", "few", "for", "from",
	"further", "had", "has", "have", "having", "he", "her", "here", "hers",
	"him", "his", "how", "i", "if", "in", "into", "is", "it", "its", "just",
	"me", "more", "most", "my", "no", "nor", "not", "now", "of", "off", "on",
	"once", "only", "or", "other", "our", "ours", "out", "over", "own",
	"same", "she", "should", "so", "some", "such", "than", "that", "the",
	"their", "theirs", "them", "then", "there", "these", "they", "this",
	"those", "through", "to", "too", "under", "until", "up", "very", "was",
	"we", "were", "what", "when", "where", "which", "while", "who", "whom",
	"why", "will", "with", "you", "your", "yours",
}

// StopWords returns the full stop list plus extra.
func StopWords(extra ...string) []string {
	out := make([]string, 0, len(russianStopWords)+len(englishStopWords)+len(ProcurementStopWords)+len(extra))
	out = append(out, russianStopWords...)
	out = append(out, englishStopWords...)
	out = append(out, ProcurementStopWords...)
	return append(out, extra...)
}
