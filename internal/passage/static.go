package passage

// staticPassages is the bundled fallback corpus. All entries are plain
// ASCII and sized like ingested passages so races feel the same with or
// without a database.
var staticPassages = []string{
	"The quick brown fox jumps over the lazy dog while the farmer watches from the porch, wondering whether the fence will ever keep anything in or out of the garden he has tended for thirty years.",
	"Typing quickly is less about moving your fingers fast and more about not stopping. A steady rhythm with few corrections beats a frantic burst followed by a long pause to hunt for the backspace key.",
	"The lighthouse keeper climbed the spiral staircase twice each night, once to light the lamp and once to make sure the wind had not found a way through the shutters he had repaired in the spring.",
	"Somewhere between the second cup of coffee and the third attempt at the same paragraph, she realized the report did not need more words. It needed fewer, arranged in the order a tired reader would expect.",
	"A river does not argue with the stones in its path. It moves around them, over them, and in time wears them smooth, which is a patient way of winning that rivers have always preferred.",
	"The train left the station four minutes late and arrived eleven minutes early, a small miracle the conductor attributed to a tailwind and the passengers attributed to nothing at all.",
	"Good tools disappear while you use them. You notice the hammer only when it is too heavy, the pen only when it skips, and the keyboard only when a key begins to stick on the letter e.",
	"He kept a list of things he would do when the rain stopped. The rain did not stop for a week, and by then the list had grown long enough that he decided to do none of it and went fishing instead.",
	"Maps are honest about distance and silent about effort. The two towns sat an inch apart on paper, separated by a mountain the cartographer had flattened into a pleasant shade of brown.",
	"The bakery opened at six, but the smell of bread started work an hour earlier, drifting down the empty street and knocking gently on windows until the neighborhood gave up on sleep.",
}
